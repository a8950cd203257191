package hub

import (
	"encoding/json"

	"github.com/dmforge/encounterd/internal/encounter"
	"github.com/dmforge/encounterd/internal/stats"
)

// Command is the client-to-server envelope.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is the server-to-client envelope.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Command types. The first frame on every connection must be CmdAuth.
const (
	CmdAuth = "auth"

	CmdJoinEncounter     = "join_encounter"
	CmdLeaveEncounter    = "leave_encounter"
	CmdCreateEncounter   = "create_encounter"
	CmdStartEncounter    = "start_encounter"
	CmdPauseEncounter    = "pause_encounter"
	CmdResumeEncounter   = "resume_encounter"
	CmdCompleteEncounter = "complete_encounter"

	CmdTurnNext          = "turn_next"
	CmdTurnPrevious      = "turn_previous"
	CmdSetTurnOrder      = "set_turn_order"
	CmdEnvironmentUpdate = "environment_update"

	CmdParticipantAdd    = "participant_add"
	CmdParticipantRemove = "participant_remove"
	CmdParticipantUpdate = "participant_update"
	CmdInitiativeUpdate  = "initiative_update"

	CmdHealthUpdate        = "health_update"
	CmdApplyDamage         = "apply_damage"
	CmdApplyHealing        = "apply_healing"
	CmdConditionUpdate     = "condition_update"
	CmdConditionAdd        = "condition_add"
	CmdConditionRemove     = "condition_remove"
	CmdConcentrationUpdate = "concentration_update"
	CmdLegendaryAction     = "legendary_action"
	CmdLegendaryResistance = "legendary_resistance"

	CmdChatMessage = "chat_message"
	CmdDiceRoll    = "dice_roll"
)

// Event types follow <resource>:<action> naming.
const (
	EventAuthOK = "auth:ok"
	EventError  = "error"

	EventEncounterCreated   = "encounter:created"
	EventEncounterJoined    = "encounter:joined"
	EventEncounterLeft      = "encounter:left"
	EventEncounterStarted   = "encounter:started"
	EventEncounterPaused    = "encounter:paused"
	EventEncounterResumed   = "encounter:resumed"
	EventEncounterCompleted = "encounter:completed"

	EventTurnAdvanced       = "encounter:turn:advanced"
	EventTurnRewound        = "encounter:turn:rewound"
	EventOrderChanged       = "encounter:order:changed"
	EventEnvironmentChanged = "encounter:environment:changed"

	EventParticipantAdded   = "encounter:participant:added"
	EventParticipantRemoved = "encounter:participant:removed"
	EventParticipantUpdated = "encounter:participant:updated"

	EventChatMessage = "chat:message"
	EventDiceRolled  = "dice:rolled"
)

// AuthPayload carries the API token in the first frame.
type AuthPayload struct {
	Token string `json:"token"`
}

// AuthOKPayload confirms authentication.
type AuthOKPayload struct {
	CallerID string `json:"callerId"`
}

// ErrorPayload is unicast to the offending client.
type ErrorPayload struct {
	Code    encounter.Code `json:"code"`
	Message string         `json:"message"`
}

// EncounterRef addresses an existing encounter. Most commands embed it.
type EncounterRef struct {
	EncounterID string `json:"encounterId"`
}

// CreateEncounterPayload creates a new encounter. EncounterID is optional;
// a uuid is minted when absent. Party optionally pre-seeds the roster from
// the server's roster file.
type CreateEncounterPayload struct {
	EncounterID string `json:"encounterId,omitempty"`
	Party       string `json:"party,omitempty"`
}

// SetTurnOrderPayload replaces the turn order with a manual permutation.
type SetTurnOrderPayload struct {
	EncounterRef
	Order []string `json:"order"`
}

// ParticipantAddPayload adds a combatant, either inline or from the roster
// file by key.
type ParticipantAddPayload struct {
	EncounterRef
	Participant *encounter.Participant `json:"participant,omitempty"`
	RosterKey   string                 `json:"rosterKey,omitempty"`
}

// ParticipantRefPayload addresses one combatant in an encounter.
type ParticipantRefPayload struct {
	EncounterRef
	ParticipantID string `json:"participantId"`
}

// ParticipantUpdatePayload patches combatant fields; nil fields are untouched.
type ParticipantUpdatePayload struct {
	EncounterRef
	ParticipantID string                      `json:"participantId"`
	Update        encounter.ParticipantUpdate `json:"update"`
}

// InitiativeUpdatePayload sets a combatant's initiative score. With Roll
// set, the server rolls d20 plus the combatant's dexterity modifier and
// Initiative is ignored.
type InitiativeUpdatePayload struct {
	EncounterRef
	ParticipantID string `json:"participantId"`
	Initiative    int    `json:"initiative"`
	Roll          bool   `json:"roll,omitempty"`
}

// EnvironmentUpdatePayload replaces the encounter's environment metadata
// (terrain, lighting, lair notes). The shape is opaque to the server.
type EnvironmentUpdatePayload struct {
	EncounterRef
	Environment map[string]any `json:"environment"`
}

// HealthUpdatePayload sets hit points directly. MaxHP is optional.
type HealthUpdatePayload struct {
	EncounterRef
	ParticipantID string `json:"participantId"`
	HP            int    `json:"hp"`
	MaxHP         *int   `json:"maxHp,omitempty"`
}

// AmountPayload carries damage or healing.
type AmountPayload struct {
	EncounterRef
	ParticipantID string `json:"participantId"`
	Amount        int    `json:"amount"`
}

// ConditionSetPayload replaces the condition set.
type ConditionSetPayload struct {
	EncounterRef
	ParticipantID string   `json:"participantId"`
	Conditions    []string `json:"conditions"`
}

// ConditionPayload adds or removes one condition.
type ConditionPayload struct {
	EncounterRef
	ParticipantID string `json:"participantId"`
	Condition     string `json:"condition"`
}

// ConcentrationPayload sets concentration; an empty spell clears it.
type ConcentrationPayload struct {
	EncounterRef
	ParticipantID string `json:"participantId"`
	Spell         string `json:"spell"`
	DC            int    `json:"dc"`
}

// LegendaryActionPayload spends legendary actions. Cost defaults to 1.
type LegendaryActionPayload struct {
	EncounterRef
	ParticipantID string `json:"participantId"`
	Cost          int    `json:"cost"`
}

// Chat visibility levels.
const (
	ChatPublic = "public"
	ChatDMOnly = "dm"
	ChatSystem = "system"
)

// ChatMessagePayload relays a table chat line.
type ChatMessagePayload struct {
	EncounterRef
	Text       string `json:"text"`
	Visibility string `json:"visibility,omitempty"`
}

// DiceRollPayload rolls dice notation like "2d6+3". Private rolls go only
// to the roller.
type DiceRollPayload struct {
	EncounterRef
	Notation string `json:"notation"`
	Private  bool   `json:"private,omitempty"`
}

// EncounterState is the full encounter view sent on join and create.
type EncounterState struct {
	EncounterID  string                 `json:"encounterId"`
	OwnerID      string                 `json:"ownerId"`
	Status       encounter.State        `json:"status"`
	CurrentRound int                    `json:"currentRound"`
	CurrentTurn  int                    `json:"currentTurn"`
	TurnOrder    []string               `json:"turnOrder"`
	Participants []*encounter.Participant `json:"participants"`
	Environment  map[string]any         `json:"environment,omitempty"`
}

// MutationPayload is the common body of mutation events: whatever changed
// plus the turn clock and the caller that caused it.
type MutationPayload struct {
	EncounterID  string                 `json:"encounterId"`
	ActorID      string                 `json:"actorId"`
	Status       encounter.State        `json:"status"`
	CurrentRound int                    `json:"currentRound"`
	CurrentTurn  int                    `json:"currentTurn"`
	TurnOrder    []string               `json:"turnOrder,omitempty"`
	Participant  *encounter.Participant `json:"participant,omitempty"`
	ParticipantID string                `json:"participantId,omitempty"`
	Environment  map[string]any         `json:"environment,omitempty"`
}

// ChatEventPayload is broadcast for chat lines.
type ChatEventPayload struct {
	EncounterID string `json:"encounterId"`
	ActorID     string `json:"actorId"`
	Text        string `json:"text"`
	Visibility  string `json:"visibility"`
}

// DiceEventPayload carries a dice result.
type DiceEventPayload struct {
	EncounterID string            `json:"encounterId"`
	ActorID     string            `json:"actorId"`
	Result      stats.RollResult  `json:"result"`
	Private     bool              `json:"private"`
}
