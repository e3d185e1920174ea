package store

// Outcome is the terminal result of a reconciled mutation.
type Outcome string

const (
	// OutcomeSucceeded means the server confirmed the mutation.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed means the mutation failed and the optimistic value was rolled back.
	OutcomeFailed Outcome = "failed"
	// OutcomeRejected means a precondition failed and nothing was dispatched.
	OutcomeRejected Outcome = "rejected"
)

// QuerySnapshot stores the last server-confirmed value of a query key.
type QuerySnapshot struct {
	QueryKey        string `gorm:"column:query_key;primaryKey;size:512;not null"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
	FetchedAtMillis int64  `gorm:"column:fetched_at_ms;not null"`
	SavedAtSeconds  int64  `gorm:"column:saved_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (QuerySnapshot) TableName() string {
	return "query_snapshots"
}

// MutationRecord is an append-only audit row for one reconciled mutation.
type MutationRecord struct {
	MutationID      string  `gorm:"column:mutation_id;primaryKey;size:64;not null"`
	UserID          string  `gorm:"column:user_id;size:190;not null;index:idx_mutations_user_settled,priority:1"`
	QueryKey        string  `gorm:"column:query_key;size:512;not null"`
	TargetID        string  `gorm:"column:target_id;size:190;not null"`
	Action          string  `gorm:"column:action;size:64;not null"`
	Outcome         Outcome `gorm:"column:outcome;size:32;not null"`
	FailureKind     string  `gorm:"column:failure_kind;size:32;not null;default:''"`
	StatusCode      int     `gorm:"column:status_code;not null;default:0"`
	StartedAtMillis int64   `gorm:"column:started_at_ms;not null"`
	SettledAtMillis int64   `gorm:"column:settled_at_ms;not null;index:idx_mutations_user_settled,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (MutationRecord) TableName() string {
	return "mutation_records"
}
