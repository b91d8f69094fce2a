package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// JSONB represents a PostgreSQL jsonb object column
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	return json.Unmarshal(bytes, j)
}

// JSONArray represents a PostgreSQL jsonb array column
type JSONArray []map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONArray) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONArray) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("cannot scan %T into JSONArray", value)
	}
	return json.Unmarshal(bytes, j)
}

func jsonBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported type %T", value)
	}
}

// SessionStatus is the lifecycle state of a probe session
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Session is one batch run over all queries and active engines of a project
type Session struct {
	ID           uuid.UUID     `db:"id"`
	ProjectID    uuid.UUID     `db:"project_id"`
	Status       SessionStatus `db:"status"`
	StartedAt    *time.Time    `db:"started_at"`
	CompletedAt  *time.Time    `db:"completed_at"`
	ErrorMessage *string       `db:"error_message"`
	CreatedAt    time.Time     `db:"created_at"`
}

// Project carries the brand under test and its competitors
type Project struct {
	ID          uuid.UUID      `db:"id"`
	UserID      uuid.UUID      `db:"user_id"`
	Name        string         `db:"name"`
	BrandName   string         `db:"brand_name"`
	BrandDomain *string        `db:"brand_domain"`
	Competitors pq.StringArray `db:"competitors"`
}

// Generation types of a query task
const (
	GenerationTemplate = "template"
	GenerationCreative = "creative"
)

// QueryTask is an immutable natural-language probe owned by a keyword
type QueryTask struct {
	ID             uuid.UUID `db:"id"`
	KeywordID      uuid.UUID `db:"keyword_id"`
	Text           string    `db:"query_text"`
	GenerationType string    `db:"generation_type"`
	CreatedAt      time.Time `db:"created_at"`
}

// TargetEngine is a provider/model pair that can be probed
type TargetEngine struct {
	ID       uuid.UUID `db:"id"`
	Name     string    `db:"name"`
	Model    string    `db:"model"`
	IsActive bool      `db:"is_active"`
}

// Credential is an encrypted per-(user, provider) secret
type Credential struct {
	UserID     uuid.UUID `db:"user_id"`
	Provider   string    `db:"provider"`
	Ciphertext []byte    `db:"ciphertext"`
	Nonce      []byte    `db:"nonce"`
}

// EngineResponse is the raw answer of one successful task
type EngineResponse struct {
	ID         uuid.UUID `db:"id"`
	SessionID  uuid.UUID `db:"session_id"`
	QueryID    uuid.UUID `db:"query_id"`
	EngineID   uuid.UUID `db:"engine_id"`
	Content    string    `db:"content"`
	Citations  JSONArray `db:"citations"`
	RiskScore  *float64  `db:"risk_score"`
	Confidence *string   `db:"confidence"`
	Issues     JSONArray `db:"issues"`
	CreatedAt  time.Time `db:"created_at"`
}

// BrandMention is one brand's presence in a response
type BrandMention struct {
	ID                     uuid.UUID `db:"id"`
	ResponseID             uuid.UUID `db:"response_id"`
	Brand                  string    `db:"brand"`
	IsTarget               bool      `db:"is_target"`
	Mentioned              bool      `db:"mentioned"`
	Sentiment              float64   `db:"sentiment"`
	RankPosition           *int      `db:"rank_position"`
	IsSarcastic            bool      `db:"is_sarcastic"`
	RecommendationStrength float64   `db:"recommendation_strength"`
	Context                string    `db:"context"`
	Degraded               bool      `db:"degraded"`
}

// CitationSource is one classified citation of a response
type CitationSource struct {
	ID         uuid.UUID `db:"id"`
	ResponseID uuid.UUID `db:"response_id"`
	URL        string    `db:"url"`
	Title      string    `db:"title"`
	Domain     string    `db:"domain"`
	SourceType string    `db:"source_type"`
}

// Log levels of execution log entries
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// ExecutionLog is an append-only diagnostic entry of a session
type ExecutionLog struct {
	ID        int64     `db:"id" json:"id"`
	SessionID uuid.UUID `db:"session_id" json:"session_id"`
	Level     string    `db:"level" json:"level"`
	Message   string    `db:"message" json:"message"`
	Details   JSONB     `db:"details" json:"details,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// MentionRecord is a brand mention joined with the engine that produced it
type MentionRecord struct {
	EngineName string `db:"engine_name"`
	BrandMention
}

// SessionReport is the aggregated outcome of a completed session
type SessionReport struct {
	ID        uuid.UUID `db:"id"`
	SessionID uuid.UUID `db:"session_id"`
	Summary   JSONB     `db:"summary"`
	CreatedAt time.Time `db:"created_at"`
}
