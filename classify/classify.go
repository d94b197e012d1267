// Package classify parses a run filename into a system-suitability
// classification. It is a total, pure function: every input produces a
// classification, unrecognised inputs fall back to SAMPLE at low
// confidence, and calling it twice with the same input always yields the
// same result.
package classify

import (
	"regexp"
	"strings"
)

// ControlType is the closed set of run classifications.
type ControlType string

const (
	SSC0   ControlType = "SSC0"
	QCA    ControlType = "QC_A"
	QCB    ControlType = "QC_B"
	Blank  ControlType = "BLANK"
	Sample ControlType = "SAMPLE"
)

// Confidence reflects how the classification was derived.
type Confidence string

const (
	High   Confidence = "high"
	Medium Confidence = "medium"
	Low    Confidence = "low"
)

// Source names which rule produced the classification.
type Source string

const (
	FromFilename     Source = "filename"
	FromWellInferred Source = "well-inference"
	FromDefault      Source = "default"
)

// Result is the immutable classification record.
type Result struct {
	ControlType  ControlType
	Well         string // "" if not found
	InstrumentID string // "" if not found
	Date         string // ISO-ish, "" if not found
	Confidence   Confidence
	Source       Source
}

var (
	wellRe     = regexp.MustCompile(`^[A-Ha-h](?:[1-9]|1[0-2])$`)
	dateISORe  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dateCompRe = regexp.MustCompile(`^\d{8}$`)
	tokenizeRe = regexp.MustCompile(`[_\-.]+`)

	// dateScanRe is applied to the raw (untokenized) stem: tokenizing on
	// '-' would otherwise split "2026-01-27" into three numeric tokens
	// before a date pattern could ever match one whole token.
	dateScanRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}|\d{8}`)
)

var controlTokens = map[string]ControlType{
	"SSC0":  SSC0,
	"SSC":   SSC0,
	"QCA":   QCA,
	"QC_A":  QCA,
	"QCB":   QCB,
	"QC_B":  QCB,
	"BLANK": Blank,
	"BLK":   Blank,
}

// Classify parses stem (the filename without extension, any case) into a
// Result. It never returns an error: an unrecognised filename classifies
// as SAMPLE.
func Classify(stem string) Result {
	tokens := tokenizeRe.Split(stem, -1)
	upperTokens := make([]string, len(tokens))
	for i, tok := range tokens {
		upperTokens[i] = strings.ToUpper(tok)
	}

	ct, ctIdx, ctSource, ctConfidence := matchControlType(upperTokens)

	well := firstWellToken(upperTokens)
	date := firstDate(stem)
	instrument := instrumentID(upperTokens, ctIdx)

	if ct == "" {
		ct, ctConfidence, ctSource = inferFromWell(well)
	}
	if ct == "" {
		ct = Sample
		ctConfidence = Low
		ctSource = FromDefault
	}

	return Result{
		ControlType:  ct,
		Well:         well,
		InstrumentID: instrument,
		Date:         date,
		Confidence:   ctConfidence,
		Source:       ctSource,
	}
}

// matchControlType applies rule 2: first matching control-type token wins.
// ctIdx is the token index of the match, or -1 if none matched.
func matchControlType(tokens []string) (ct ControlType, ctIdx int, source Source, confidence Confidence) {
	for i, tok := range tokens {
		if c, ok := controlTokens[tok]; ok {
			return c, i, FromFilename, High
		}
	}
	return "", -1, "", ""
}

// inferFromWell applies rule 3 literally: wells A1/A2 imply QC_A, A3/A4
// imply QC_B, at medium confidence. No other well infers a control type.
func inferFromWell(well string) (ControlType, Confidence, Source) {
	switch strings.ToUpper(well) {
	case "A1", "A2":
		return QCA, Medium, FromWellInferred
	case "A3", "A4":
		return QCB, Medium, FromWellInferred
	default:
		return "", "", ""
	}
}

func firstWellToken(tokens []string) string {
	for _, tok := range tokens {
		if wellRe.MatchString(tok) {
			return tok
		}
	}
	return ""
}

// firstDate scans the raw stem (not the tokenized pieces — tokenizing on
// '-' would destroy a YYYY-MM-DD pattern before it could match) for the
// first ISO or compact date and normalises it to YYYY-MM-DD.
func firstDate(stem string) string {
	m := dateScanRe.FindString(stem)
	if m == "" {
		return ""
	}
	if dateISORe.MatchString(m) {
		return m
	}
	return m[0:4] + "-" + m[4:6] + "-" + m[6:8]
}

// instrumentID applies rule 5's "remaining alphanumeric token before
// control type is instrument id" — the first token in the filename that is
// neither the control-type token itself nor a well/date token.
func instrumentID(tokens []string, ctIdx int) string {
	for i, tok := range tokens {
		if i == ctIdx {
			continue
		}
		if tok == "" {
			continue
		}
		if wellRe.MatchString(tok) || dateISORe.MatchString(tok) || dateCompRe.MatchString(tok) {
			continue
		}
		if _, isControl := controlTokens[tok]; isControl {
			continue
		}
		return tok
	}
	return ""
}
