package assessment

import (
	"errors"
	"testing"
	"time"

	"github.com/visionpath/screening/internal/domain"
)

func autoPath() PathResult {
	return PathResult{
		Kind:      PathAutoRefraction,
		Performed: true,
		AutoRefraction: &AutoRefraction{
			Right:             EyeRefraction{Sphere: 0.25},
			Left:              EyeRefraction{Sphere: 0.50, Cylinder: -0.25, Axis: 90},
			PupillaryDistance: 52,
			QualityOK:         true,
		},
	}
}

func chartPath(right, left string) PathResult {
	return PathResult{
		Kind:        PathChartAcuity,
		Performed:   true,
		ChartAcuity: &ChartAcuity{ChartType: ChartLEA, DistanceRight: right, DistanceLeft: left},
	}
}

func examPath() PathResult {
	return PathResult{
		Kind:      PathAbnormalityExam,
		Performed: true,
		AbnormalityExam: &AbnormalityExam{
			External:        FindingNormal,
			Motility:        FindingNormal,
			ColorVision:     ColorVisionNormal,
			DepthPerception: DepthPass,
		},
	}
}

func TestSubmit_CompletesAfterAllThreePaths(t *testing.T) {
	a := New("a1", "s1")

	for i, p := range []PathResult{autoPath(), chartPath("20/20", "20/25"), examPath()} {
		if a.Complete() {
			t.Fatalf("assessment complete after %d paths", i)
		}
		res, err := a.Submit(p)
		if err != nil {
			t.Fatalf("submit %s: %v", p.Kind, err)
		}
		if res != Added {
			t.Errorf("expected Added for %s, got %v", p.Kind, res)
		}
	}
	if !a.Complete() {
		t.Fatalf("expected complete, missing %v", a.Missing())
	}
}

func TestSubmit_IdempotentPerPath(t *testing.T) {
	a := New("a1", "s1")
	first := autoPath()
	first.SubmittedAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if _, err := a.Submit(first); err != nil {
		t.Fatal(err)
	}

	again := autoPath()
	again.SubmittedAt = first.SubmittedAt.Add(time.Hour)
	res, err := a.Submit(again)
	if err != nil {
		t.Fatal(err)
	}
	if res != Unchanged {
		t.Errorf("expected Unchanged, got %v", res)
	}
	if !a.Paths[PathAutoRefraction].SubmittedAt.Equal(first.SubmittedAt) {
		t.Error("identical resubmission should not overwrite the original")
	}

	changed := autoPath()
	changed.AutoRefraction.Right.Sphere = -1.00
	res, _ = a.Submit(changed)
	if res != Replaced {
		t.Errorf("expected Replaced, got %v", res)
	}
}

func TestSubmit_NotPerformed(t *testing.T) {
	a := New("a1", "s1")

	_, err := a.Submit(PathResult{Kind: PathChartAcuity})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if _, ok := ve.Fields["not_performed_reason"]; !ok {
		t.Errorf("expected not_performed_reason error, got %v", ve.Fields)
	}

	res, err := a.Submit(PathResult{Kind: PathChartAcuity, NotPerformedReason: "child uncooperative"})
	if err != nil || res != Added {
		t.Fatalf("expected Added, got %v %v", res, err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name  string
		path  PathResult
		field string
	}{
		{"unknown kind", PathResult{Kind: "retinoscopy", Performed: true}, "kind"},
		{"missing auto data", PathResult{Kind: PathAutoRefraction, Performed: true}, "auto_refraction"},
		{"bad acuity", chartPath("20/x", "20/20"), "chart_acuity.distance_right"},
		{"missing acuity", chartPath("20/20", ""), "chart_acuity.distance_left"},
		{"wrong payload", PathResult{Kind: PathChartAcuity, Performed: true, ChartAcuity: chartPath("20/20", "20/20").ChartAcuity, AbnormalityExam: examPath().AbnormalityExam}, "chart_acuity"},
		{"sphere out of range", func() PathResult {
			p := autoPath()
			p.AutoRefraction.Right.Sphere = 42
			return p
		}(), "auto_refraction.right.sphere"},
		{"abnormal without notes", func() PathResult {
			p := examPath()
			p.AbnormalityExam.Motility = FindingAbnormal
			return p
		}(), "abnormality_exam.motility_notes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.path)
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if _, ok := ve.Fields[tt.field]; !ok {
				t.Errorf("expected field %q in %v", tt.field, ve.Fields)
			}
		})
	}
}

func TestSnellen(t *testing.T) {
	s, err := ParseSnellen(" 20/40 ")
	if err != nil {
		t.Fatal(err)
	}
	threshold, _ := ParseSnellen("20/40")
	metric, _ := ParseSnellen("6/12")
	better, _ := ParseSnellen("20/30")
	worse, _ := ParseSnellen("20/50")

	if !s.WorseOrEqual(threshold) || !metric.WorseOrEqual(threshold) {
		t.Error("equal acuity must count as worse-or-equal")
	}
	if better.WorseOrEqual(threshold) {
		t.Error("20/30 is better than 20/40")
	}
	if !worse.WorseOrEqual(threshold) {
		t.Error("20/50 is worse than 20/40")
	}
	for _, bad := range []string{"", "20", "0/20", "20/0", "a/b", "20/2001", "2001/20", "20/9223372036854775807"} {
		if _, err := ParseSnellen(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestValidate_RejectsOversizedAcuity(t *testing.T) {
	p := PathResult{
		Kind:      PathChartAcuity,
		Performed: true,
		ChartAcuity: &ChartAcuity{
			ChartType:     ChartSnellen,
			DistanceRight: "20/4611686018427387904",
			DistanceLeft:  "20/20",
		},
	}
	var ve *domain.ValidationError
	if err := Validate(p); !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, ok := ve.Fields["chart_acuity.distance_right"]; !ok {
		t.Errorf("expected distance_right field error, got %v", ve.Fields)
	}

	top, err := ParseSnellen("2000/2000")
	if err != nil {
		t.Fatalf("bound itself should parse: %v", err)
	}
	if !top.WorseOrEqual(Snellen{Numerator: 1, Denominator: 1}) {
		t.Error("2000/2000 equals 1/1")
	}
}
