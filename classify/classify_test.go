package classify_test

import (
	"testing"

	"github.com/webwebb56/mdqc-agent/classify"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		stem string
		want classify.Result
	}{
		{
			name: "ssc0 filename match",
			stem: "EXPLORIS01_SSC0_A1_2026-01-27",
			want: classify.Result{
				ControlType:  classify.SSC0,
				Well:         "A1",
				InstrumentID: "EXPLORIS01",
				Date:         "2026-01-27",
				Confidence:   classify.High,
				Source:       classify.FromFilename,
			},
		},
		{
			name: "qcb filename match with compact date",
			stem: "TIMSTOF01_QCB_A3_20260127",
			want: classify.Result{
				ControlType:  classify.QCB,
				Well:         "A3",
				InstrumentID: "TIMSTOF01",
				Date:         "2026-01-27",
				Confidence:   classify.High,
				Source:       classify.FromFilename,
			},
		},
		{
			name: "qca alias token",
			stem: "EXPLORIS01_QCA_A5_2026-01-27",
			want: classify.Result{
				ControlType:  classify.QCA,
				Well:         "A5",
				InstrumentID: "EXPLORIS01",
				Date:         "2026-01-27",
				Confidence:   classify.High,
				Source:       classify.FromFilename,
			},
		},
		{
			name: "blank alias token",
			stem: "EXPLORIS01_BLK_A1_2026-01-27",
			want: classify.Result{
				ControlType:  classify.Blank,
				Well:         "A1",
				InstrumentID: "EXPLORIS01",
				Date:         "2026-01-27",
				Confidence:   classify.High,
				Source:       classify.FromFilename,
			},
		},
		{
			name: "well inference A1 to QC_A",
			stem: "EXPLORIS01_A1_2026-01-27",
			want: classify.Result{
				ControlType:  classify.QCA,
				Well:         "A1",
				InstrumentID: "EXPLORIS01",
				Date:         "2026-01-27",
				Confidence:   classify.Medium,
				Source:       classify.FromWellInferred,
			},
		},
		{
			name: "well inference A2 to QC_A",
			stem: "EXPLORIS01_A2_2026-01-27",
			want: classify.Result{
				ControlType:  classify.QCA,
				Well:         "A2",
				InstrumentID: "EXPLORIS01",
				Date:         "2026-01-27",
				Confidence:   classify.Medium,
				Source:       classify.FromWellInferred,
			},
		},
		{
			name: "well inference A3 to QC_B",
			stem: "EXPLORIS01_A3_2026-01-27",
			want: classify.Result{
				ControlType:  classify.QCB,
				Well:         "A3",
				InstrumentID: "EXPLORIS01",
				Date:         "2026-01-27",
				Confidence:   classify.Medium,
				Source:       classify.FromWellInferred,
			},
		},
		{
			name: "well inference A4 to QC_B",
			stem: "EXPLORIS01_A4_2026-01-27",
			want: classify.Result{
				ControlType:  classify.QCB,
				Well:         "A4",
				InstrumentID: "EXPLORIS01",
				Date:         "2026-01-27",
				Confidence:   classify.Medium,
				Source:       classify.FromWellInferred,
			},
		},
		{
			name: "well B1 does not infer a control type",
			stem: "EXPLORIS01_B1_2026-01-27",
			want: classify.Result{
				ControlType:  classify.Sample,
				Well:         "B1",
				InstrumentID: "EXPLORIS01",
				Date:         "2026-01-27",
				Confidence:   classify.Low,
				Source:       classify.FromDefault,
			},
		},
		{
			name: "default sample classification",
			stem: "SAMPLE_001",
			want: classify.Result{
				ControlType:  classify.Sample,
				Well:         "",
				InstrumentID: "SAMPLE",
				Date:         "",
				Confidence:   classify.Low,
				Source:       classify.FromDefault,
			},
		},
		{
			name: "lowercase input is normalised",
			stem: "exploris01_ssc0_a1_2026-01-27",
			want: classify.Result{
				ControlType:  classify.SSC0,
				Well:         "A1",
				InstrumentID: "EXPLORIS01",
				Date:         "2026-01-27",
				Confidence:   classify.High,
				Source:       classify.FromFilename,
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := classify.Classify(c.stem)
			if got != c.want {
				t.Errorf("Classify(%q) = %+v, want %+v", c.stem, got, c.want)
			}
		})
	}
}

func TestClassifyIsIdempotent(t *testing.T) {
	stem := "EXPLORIS01_SSC0_A1_2026-01-27"
	first := classify.Classify(stem)
	second := classify.Classify(stem)
	if first != second {
		t.Fatalf("Classify is not idempotent: %+v != %+v", first, second)
	}
}

func TestClassifyNeverErrors(t *testing.T) {
	inputs := []string{"", "___", "....", "a-b-c-d-e-f"}
	for _, in := range inputs {
		_ = classify.Classify(in)
	}
}
