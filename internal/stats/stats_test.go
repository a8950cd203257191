package stats

import "testing"

func TestModifier(t *testing.T) {
	cases := []struct {
		score, want int
	}{
		{1, -5}, {8, -1}, {9, -1}, {10, 0}, {11, 0},
		{12, 1}, {14, 2}, {16, 3}, {18, 4}, {20, 5}, {30, 10},
	}

	for _, c := range cases {
		if got := Modifier(c.score); got != c.want {
			t.Errorf("Modifier(%d) = %d, want %d", c.score, got, c.want)
		}
	}
}

func TestDefaultScores(t *testing.T) {
	scores := DefaultScores()
	if scores.Dexterity != 10 || scores.DexterityMod() != 0 {
		t.Errorf("default dexterity = %d (mod %d), want 10 (mod 0)", scores.Dexterity, scores.DexterityMod())
	}
}

func TestRollNotation(t *testing.T) {
	for i := 0; i < 100; i++ {
		result, err := RollNotation("2d6+3")
		if err != nil {
			t.Fatalf("RollNotation failed: %v", err)
		}
		if len(result.Rolls) != 2 {
			t.Fatalf("rolls = %d, want 2", len(result.Rolls))
		}
		sum := result.Modifier
		for _, roll := range result.Rolls {
			if roll < 1 || roll > 6 {
				t.Errorf("d6 roll out of range: %d", roll)
			}
			sum += roll
		}
		if result.Total != sum {
			t.Errorf("Total = %d, want %d", result.Total, sum)
		}
		if result.Total < 5 || result.Total > 15 {
			t.Errorf("2d6+3 total out of range: %d", result.Total)
		}
	}
}

func TestRollNotationNegativeModifier(t *testing.T) {
	result, err := RollNotation("1d4-2")
	if err != nil {
		t.Fatalf("RollNotation failed: %v", err)
	}
	if result.Modifier != -2 {
		t.Errorf("Modifier = %d, want -2", result.Modifier)
	}
}

func TestRollNotationInvalid(t *testing.T) {
	for _, notation := range []string{"", "d6", "2d", "2x6", "1d6+", "0d6", "1d1", "101d6", "1d1001", "abc"} {
		if _, err := RollNotation(notation); err == nil {
			t.Errorf("RollNotation(%q) should fail", notation)
		}
	}
}

func TestD20Range(t *testing.T) {
	for i := 0; i < 200; i++ {
		if roll := D20(); roll < 1 || roll > 20 {
			t.Fatalf("D20() = %d, out of range", roll)
		}
	}
}
