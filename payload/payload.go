// Package payload defines the wire-format types shared across the pipeline:
// the Extraction Result produced by report.Normalise, the Spool Envelope
// that wraps it for on-disk durability, and the outgoing upload payload.
// Apart from Envelope.ToOutgoing's field projection these types carry no
// behaviour; they exist so report, spool, and upload agree on one shape
// without importing each other.
package payload

import "time"

// SchemaVersion is the wire schema version stamped on every outgoing
// payload.
const SchemaVersion = "1.0"

// TargetMetric is one target peptide's per-run measurement.
type TargetMetric struct {
	PeptideSequence    string  `json:"peptide_sequence"`
	PrecursorMz        float64 `json:"precursor_mz"`
	ObservedRT         float64 `json:"observed_rt"`
	TotalArea          float64 `json:"total_area"`
	MaxHeight          float64 `json:"max_height"`
	MassErrorPPM       float64 `json:"mass_error_ppm"`
	FWHM               float64 `json:"fwhm"`
	Found              bool    `json:"found"`
}

// RunMetrics are the run-level aggregates computed from the target set.
type RunMetrics struct {
	TargetsFound    int     `json:"targets_found"`
	TargetsExpected int     `json:"targets_expected"`
	RecoveryPercent float64 `json:"recovery_percent"`
	MedianRTShift   float64 `json:"median_rt_shift"`
	MedianMassError float64 `json:"median_mass_error"`
}

// BaselineContext names the server-side reference run a payload should be
// compared against. The core carries it through opaquely; it never
// computes or interprets the reference id itself.
type BaselineContext struct {
	ReferenceID string `json:"reference_id,omitempty"`
}

// ExtractionResult is what the Orchestrator plus Normaliser produce for one
// finalized artifact.
type ExtractionResult struct {
	RunID             string         `json:"run_id"`
	TemplateHash      string         `json:"template_hash"`
	ExtractorVersion  string         `json:"extractor_version"`
	Targets           []TargetMetric `json:"targets"`
	Metrics           RunMetrics     `json:"metrics"`
	ExitStatus        int            `json:"exit_status"`
	ElapsedWallTime   time.Duration  `json:"elapsed_wall_time_ns"`
}

// Run identifies the source artifact in a form safe to transmit: a
// filename and content hash, never a full filesystem path.
type Run struct {
	Filename     string `json:"filename"`
	ContentHash  string `json:"content_hash"`
	InstrumentID string `json:"instrument_id"`
	ControlType  string `json:"control_type"`
	Well         string `json:"well,omitempty"`
	Date         string `json:"date,omitempty"`
}

// Envelope is the durable, on-disk unit the Spool stores and the Uploader
// transmits. PayloadID is minted once, at extraction-success time, and is
// never re-minted across retries of the same envelope.
type Envelope struct {
	SchemaVersion   string          `json:"schema_version"`
	PayloadID       string          `json:"payload_id"`
	AgentID         string          `json:"agent_id"`
	AgentVersion    string          `json:"agent_version"`
	Timestamp       time.Time       `json:"timestamp"`
	Run             Run             `json:"run"`
	Extraction      ExtractionResult `json:"extraction"`
	BaselineContext BaselineContext `json:"baseline_context"`
}

// OutgoingPayload is the JSON document POSTed to the cloud ingest endpoint.
// It restates Envelope's fields under the wire names spec.md's external
// interface table uses, flattening target/run metrics to top level.
type OutgoingPayload struct {
	SchemaVersion   string          `json:"schema_version"`
	PayloadID       string          `json:"payload_id"`
	AgentID         string          `json:"agent_id"`
	AgentVersion    string          `json:"agent_version"`
	Timestamp       time.Time       `json:"timestamp"`
	Run             Run             `json:"run"`
	Extraction      ExtractionResult `json:"extraction"`
	BaselineContext BaselineContext `json:"baseline_context"`
	TargetMetrics   []TargetMetric  `json:"target_metrics"`
	RunMetrics      RunMetrics      `json:"run_metrics"`
	ComparisonMetrics map[string]float64 `json:"comparison_metrics,omitempty"`
}

// ToOutgoing projects an Envelope into the wire shape the cloud endpoint
// expects.
func (e Envelope) ToOutgoing() OutgoingPayload {
	return OutgoingPayload{
		SchemaVersion:   e.SchemaVersion,
		PayloadID:       e.PayloadID,
		AgentID:         e.AgentID,
		AgentVersion:    e.AgentVersion,
		Timestamp:       e.Timestamp,
		Run:             e.Run,
		Extraction:      e.Extraction,
		BaselineContext: e.BaselineContext,
		TargetMetrics:   e.Extraction.Targets,
		RunMetrics:      e.Extraction.Metrics,
	}
}
