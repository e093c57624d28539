package entities

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	apperrors "github.com/opyter/cromqc/pkg/errors"
)

// InboundMessage is a sensor+image record received on the input channel.
// ImagePayload keeps the raw JSON value so a non-string image can be
// rejected as a wrong-type payload by the decoder.
type InboundMessage struct {
	Index        int64
	Lot          int64
	Time         string
	PH           float64
	Temp         float64
	Voltage      float64
	Date         string
	ImageFile    string
	ImagePayload json.RawMessage
	Timestamp    string
}

// ParseInboundMessage validates a channel payload against the inbound schema.
// Keys are matched case-insensitively; unknown keys are ignored.
func ParseInboundMessage(data []byte) (*InboundMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &apperrors.AppError{
			Type:    apperrors.ErrorTypeValidation,
			Message: "inbound message is not a JSON object",
			Err:     err,
		}
	}

	p := &fieldParser{fields: make(map[string]json.RawMessage, len(raw))}
	repeated := make(map[string]bool)
	for k, v := range raw {
		key := strings.ToLower(k)
		if _, dup := p.fields[key]; dup {
			repeated[key] = true
			continue
		}
		p.fields[key] = v
	}
	// keys differing only in case have no defined winner
	if len(repeated) > 0 {
		keys := make([]string, 0, len(repeated))
		for k := range repeated {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p.problems = append(p.problems, k+" given more than once")
		}
	}

	msg := &InboundMessage{
		Index:        p.integer("index"),
		Lot:          p.integer("lot"),
		Time:         p.optionalString("time"),
		PH:           p.number("ph"),
		Temp:         p.number("temp"),
		Voltage:      p.number("voltage"),
		Date:         p.str("date"),
		ImageFile:    p.str("image_filename", "image_file"),
		ImagePayload: p.value("image_base64", "img_base64"),
		Timestamp:    p.optionalString("timestamp"),
	}

	if len(p.problems) > 0 {
		return nil, apperrors.NewValidationError("inbound message rejected: " + strings.Join(p.problems, "; "))
	}
	return msg, nil
}

// Reading returns the sensor reading carried by the message
func (m *InboundMessage) Reading() SensorReading {
	return SensorReading{
		Index:     m.Index,
		Lot:       m.Lot,
		Time:      m.Time,
		PH:        m.PH,
		Temp:      m.Temp,
		Voltage:   m.Voltage,
		Date:      m.Date,
		ImageFile: m.ImageFile,
		Timestamp: m.Timestamp,
	}
}

// ImageBase64 returns the image payload when it is a JSON string
func (m *InboundMessage) ImageBase64() string {
	var s string
	if err := json.Unmarshal(m.ImagePayload, &s); err != nil {
		return ""
	}
	return s
}

// OutboundMessage is the enriched record published on the output channel.
// ReadingKey is the idempotency key downstream consumers dedupe on.
type OutboundMessage struct {
	Detection       int       `json:"DETECTION"`
	ConfidenceScore float64   `json:"CONFIDENCE_SCORE"`
	DefectiveType   int       `json:"DEFECTIVE_TYPE"`
	Temp            float64   `json:"TEMP"`
	Voltage         float64   `json:"VOLTAGE"`
	PH              float64   `json:"PH"`
	Lot             int64     `json:"LOT"`
	Date            string    `json:"DATE"`
	ImageFile       string    `json:"IMAGE_FILE"`
	ImageBase64     string    `json:"IMAGE_BASE64"`
	Index           int64     `json:"INDEX"`
	ReadingKey      string    `json:"READING_KEY"`
	EnrichedAt      time.Time `json:"ENRICHED_AT"`
}

// NewOutboundMessage assembles the output record for an enriched inbound message
func NewOutboundMessage(in *InboundMessage, result *ClassificationResult) *OutboundMessage {
	return &OutboundMessage{
		Detection:       result.DetectionCode(),
		ConfidenceScore: result.Confidence,
		DefectiveType:   int(result.DefectType),
		Temp:            in.Temp,
		Voltage:         in.Voltage,
		PH:              in.PH,
		Lot:             in.Lot,
		Date:            in.Date,
		ImageFile:       in.ImageFile,
		ImageBase64:     in.ImageBase64(),
		Index:           in.Index,
		ReadingKey:      result.ReadingRef,
		EnrichedAt:      result.EnrichedAt,
	}
}

// Delivery is one entry read from the input channel
type Delivery struct {
	ID      string
	Payload []byte
}

type fieldParser struct {
	fields   map[string]json.RawMessage
	problems []string
}

func (p *fieldParser) lookup(names ...string) (json.RawMessage, bool) {
	for _, n := range names {
		if v, ok := p.fields[n]; ok && string(v) != "null" {
			return v, true
		}
	}
	return nil, false
}

func (p *fieldParser) value(names ...string) json.RawMessage {
	v, ok := p.lookup(names...)
	if !ok {
		p.problems = append(p.problems, "missing "+names[0])
	}
	return v
}

func (p *fieldParser) str(names ...string) string {
	v, ok := p.lookup(names...)
	if !ok {
		p.problems = append(p.problems, "missing "+names[0])
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		p.problems = append(p.problems, names[0]+" must be a string")
		return ""
	}
	if strings.TrimSpace(s) == "" {
		p.problems = append(p.problems, names[0]+" must not be empty")
	}
	return s
}

func (p *fieldParser) optionalString(name string) string {
	v, ok := p.lookup(name)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		p.problems = append(p.problems, name+" must be a string")
	}
	return s
}

func (p *fieldParser) number(name string) float64 {
	v, ok := p.lookup(name)
	if !ok {
		p.problems = append(p.problems, "missing "+name)
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		p.problems = append(p.problems, name+" must be a number")
		return 0
	}
	f, err := n.Float64()
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		p.problems = append(p.problems, name+" must be a finite number")
		return 0
	}
	return f
}

func (p *fieldParser) integer(name string) int64 {
	v, ok := p.lookup(name)
	if !ok {
		p.problems = append(p.problems, "missing "+name)
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		p.problems = append(p.problems, name+" must be an integer")
		return 0
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || math.Abs(f) >= math.MaxInt64 {
		p.problems = append(p.problems, fmt.Sprintf("%s must be an integer, got %s", name, n))
		return 0
	}
	return int64(f)
}
