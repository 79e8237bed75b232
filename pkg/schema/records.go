// Package schema defines the data records shared between the sync core, the
// transport layer, and the reference backend.
package schema

import "time"

// Collection names used on the wire and in change events.
const (
	CollectionScans       = "scans"
	CollectionValidations = "validations"
	CollectionProfiles    = "profiles"
)

// Status is the review lifecycle state of a Scan.
type Status string

const (
	// StatusPending marks a scan that no expert has acted on yet.
	StatusPending Status = "PendingValidation"
	// StatusValidated marks a scan whose prediction an expert confirmed.
	StatusValidated Status = "Validated"
	// StatusCorrected marks a scan whose prediction an expert overrode.
	StatusCorrected Status = "Corrected"
)

// Category distinguishes the two kinds of submitted images.
type Category string

const (
	CategoryLeaf  Category = "Leaf"
	CategoryPlant Category = "Plant"
)

// Scan is a submitted item awaiting or having received expert review.
// Submitter display fields are denormalized joins populated at read time;
// the backend may omit them on change notifications, which is why the
// applier re-fetches rows instead of trusting event payloads.
type Scan struct {
	ID          int64     `json:"id"`
	SubmitterID int64     `json:"submitter_id"`
	Category    Category  `json:"category"`
	Prediction  string    `json:"prediction"`
	Confidence  string    `json:"confidence,omitempty"`
	ImageURL    string    `json:"image_url"`
	Chemical    string    `json:"chemical_treatment,omitempty"`
	Organic     string    `json:"organic_treatment,omitempty"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Joined submitter display fields.
	SubmitterName   string `json:"submitter_name,omitempty"`
	SubmitterHandle string `json:"submitter_handle,omitempty"`
	SubmitterAvatar string `json:"submitter_avatar,omitempty"`
}

// ValidationRecord is the audit entry produced when an expert acts on a Scan.
// The remote store enforces at most one record per (scan, expert) pair; a
// second action by the same expert updates the existing record.
type ValidationRecord struct {
	ID            int64     `json:"id"`
	ScanID        int64     `json:"scan_id"`
	ExpertID      int64     `json:"expert_id"`
	Prediction    string    `json:"ai_prediction"`
	Determination string    `json:"expert_validation"`
	Status        Status    `json:"status"`
	ValidatedAt   time.Time `json:"validated_at"`
	Note          string    `json:"note,omitempty"`

	// Joined expert display fields.
	ExpertName   string `json:"expert_name,omitempty"`
	ExpertHandle string `json:"expert_handle,omitempty"`
	ExpertAvatar string `json:"expert_avatar,omitempty"`
}

// ExpertProfile is a reviewer identity. The portal only needs its display
// fields and the total profile count.
type ExpertProfile struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Handle string `json:"handle"`
	Avatar string `json:"avatar,omitempty"`
}

// HasExpertJoin reports whether the denormalized expert fields are populated.
// Rows created before the join was backfilled can carry an expert id with
// empty display fields.
func (v ValidationRecord) HasExpertJoin() bool {
	return v.ExpertName != "" || v.ExpertHandle != ""
}

// ApplyExpert patches the denormalized expert fields from a profile.
func (v *ValidationRecord) ApplyExpert(p ExpertProfile) {
	v.ExpertName = p.Name
	v.ExpertHandle = p.Handle
	v.ExpertAvatar = p.Avatar
}
