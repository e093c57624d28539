package entities

import "time"

// DefectType is the rule-derived defect subtype of a reading
type DefectType int

const (
	DefectTypeNormal        DefectType = 0
	DefectTypeExcessPlating DefectType = 1
	DefectTypePeeling       DefectType = 2
	DefectTypeStain         DefectType = 3
)

// String returns a human readable label for the defect type
func (d DefectType) String() string {
	switch d {
	case DefectTypeNormal:
		return "normal"
	case DefectTypeExcessPlating:
		return "excess_plating"
	case DefectTypePeeling:
		return "peeling"
	case DefectTypeStain:
		return "stain"
	default:
		return "unknown"
	}
}

// SensorReading is one plating line measurement. It is read-only to the pipeline.
type SensorReading struct {
	Index     int64   `json:"index" db:"index"`
	Lot       int64   `json:"lot" db:"lot"`
	Time      string  `json:"time" db:"time"`
	PH        float64 `json:"ph" db:"ph"`
	Temp      float64 `json:"temp" db:"temp"`
	Voltage   float64 `json:"voltage" db:"voltage"`
	Date      string  `json:"date" db:"date"`
	ImageFile string  `json:"image_file" db:"image_file"`
	Timestamp string  `json:"timestamp,omitempty" db:"-"`
}

// ImageAsset is the encoded image joined to a reading by image file name
type ImageAsset struct {
	ImageFile string `json:"image_file" db:"image_file"`
	Encoded   []byte `json:"-" db:"img"`
}

// StagedRow is one row of the reading/image join at a staging tier.
// Image is nil when the reading has no matching image row.
type StagedRow struct {
	Reading SensorReading
	Image   *ImageAsset
}

// ClassificationResult is the enrichment produced for a single reading
type ClassificationResult struct {
	ReadingRef string     `json:"reading_ref"`
	Index      int64      `json:"index"`
	Detection  bool       `json:"detection"`
	Confidence float64    `json:"confidence"`
	DefectType DefectType `json:"defect_type"`
	EnrichedAt time.Time  `json:"enriched_at"`
}

// DetectionCode returns the 0/1 encoding used on the wire and in the tiers
func (r *ClassificationResult) DetectionCode() int {
	if r.Detection {
		return 1
	}
	return 0
}

// EnrichedRow is a staged row ready to be written to the next tier
type EnrichedRow struct {
	Reading   SensorReading
	Image     ImageAsset
	Result    ClassificationResult
	ArrivedAt time.Time
}
