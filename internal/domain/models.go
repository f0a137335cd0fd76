// Package domain defines the persistence models for conversation turns,
// disease recommendations, and turn feedback. These types are mapped with
// GORM and form the core data layer of the guidance backend.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Turn roles. A turn is authored by the end user, the assistant, or the
// system (seeded instructions persisted for audit).
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Recommendation sources, from most to least authoritative for display.
const (
	SourceCurated          = "curated"
	SourceAIGenerated      = "ai-generated"
	SourceAIEnhanced       = "ai-enhanced"
	SourceDatabaseFallback = "database-fallback"
)

// Turn represents a single utterance within a conversation session. Turns are
// immutable once created and are ordered by CreatedAt (then ID) within their
// session. They are deleted en masse when a session is purged or when the
// retention sweep removes turns older than the configured horizon.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - SessionID: caller-chosen opaque identifier grouping the conversation;
//     indexed together with CreatedAt for window queries.
//   - Role: "user", "assistant", or "system" (enforced by DB constraint).
//   - Content: full text content of the turn.
//   - ModelID: identifier of the model that produced an assistant turn.
//   - CreatedAt: timestamp set at insert; second column of the window index.
type Turn struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	SessionID string    `json:"session_id" gorm:"type:varchar(128);not null;index:idx_session_turns,priority:1"`
	Role      string    `json:"role"       gorm:"type:varchar(16);not null;check:role IN ('user','assistant','system')"`
	Content   string    `json:"content"    gorm:"type:text;not null"`
	ModelID   string    `json:"model_id,omitempty" gorm:"type:varchar(128)"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_session_turns,priority:2"`
}

// TableName returns the database table name for Turn.
func (Turn) TableName() string { return "turns" }

// Recommendation is a structured guidance object for a citrus-leaf disease.
// Curated rows are seeded by agronomists; AI rows are produced by the
// guidance pipeline. The list-valued fields are stored as JSON columns.
//
// Invariant: Disclaimer always carries the fixed compliance sentence, and the
// five required list fields plus Summary are non-empty for any row returned
// as a valid recommendation.
type Recommendation struct {
	ID          string `json:"id"           gorm:"type:char(36);primaryKey"`
	DiseaseKey  string `json:"disease_key"  gorm:"type:varchar(128);not null;uniqueIndex:ux_disease_key"`
	DiseaseName string `json:"disease_name" gorm:"type:varchar(255);not null"`
	Severity    string `json:"severity,omitempty" gorm:"type:varchar(32)"`
	Summary     string `json:"summary"      gorm:"type:text;not null"`

	Symptoms        []string `json:"symptoms"         gorm:"serializer:json;type:text"`
	Causes          []string `json:"causes"           gorm:"serializer:json;type:text"`
	TreatmentSteps  []string `json:"treatment_steps"  gorm:"serializer:json;type:text"`
	PreventionSteps []string `json:"prevention_steps" gorm:"serializer:json;type:text"`
	WhenToEscalate  []string `json:"when_to_escalate" gorm:"serializer:json;type:text"`

	// Enhancement output: AI-produced steps not already present in the
	// curated baseline. Empty unless Source is "ai-enhanced".
	EnhancedTreatment  []string `json:"enhanced_treatment,omitempty"  gorm:"serializer:json;type:text"`
	EnhancedPrevention []string `json:"enhanced_prevention,omitempty" gorm:"serializer:json;type:text"`

	AdditionalNotes string `json:"additional_notes,omitempty" gorm:"type:text"`
	Disclaimer      string `json:"disclaimer"                 gorm:"type:text;not null"`
	Source          string `json:"source"                     gorm:"type:varchar(32);not null;default:'curated'"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for Recommendation.
func (Recommendation) TableName() string { return "recommendations" }

// HasRequiredFields reports whether the recommendation satisfies the
// structural invariant: non-empty summary and non-empty required lists.
// WhenToEscalate and the enhancement fields are not part of the invariant.
func (r *Recommendation) HasRequiredFields() bool {
	if r == nil {
		return false
	}
	return r.Summary != "" &&
		len(r.Symptoms) > 0 &&
		len(r.Causes) > 0 &&
		len(r.TreatmentSteps) > 0 &&
		len(r.PreventionSteps) > 0
}

// TurnFeedback represents a rating (+1/-1) left on an assistant turn by the
// session that owns it. A session can rate each turn at most once (unique
// index).
type TurnFeedback struct {
	ID        string         `json:"id"         gorm:"type:char(36);primaryKey"`
	TurnID    string         `json:"turn_id"    gorm:"type:char(36);not null;index;uniqueIndex:ux_feedback_turn_session"`
	SessionID string         `json:"session_id" gorm:"type:varchar(128);not null;index;uniqueIndex:ux_feedback_turn_session"`
	Value     int            `json:"value"      gorm:"not null;check:value IN (-1,1)"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	// Turn is the rated assistant turn. Feedback is cascade-deleted if the
	// underlying turn is removed.
	Turn Turn `json:"-" gorm:"foreignKey:TurnID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for TurnFeedback.
func (TurnFeedback) TableName() string { return "turn_feedback" }
