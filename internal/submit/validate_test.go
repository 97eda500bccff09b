package submit

import "testing"

func TestValidate_AcceptsMinimalPayload(t *testing.T) {
	p := Payload{
		Name:        "nightly sweep",
		Description: "run the nightly sweep",
		Class:       "lightweight",
		Priority:    "normal",
	}
	if err := Validate(p); err != nil {
		t.Fatalf("expected valid payload, got %v", err)
	}
}

func TestValidate_AcceptsOptionalFields(t *testing.T) {
	p := Payload{
		Name:        "backfill",
		Description: "backfill report",
		Class:       "heavy_context",
		Priority:    "urgent",
		WorkingDir:  "/srv/reports",
		DedupKey:    "backfill:2026-01-01",
	}
	if err := Validate(p); err != nil {
		t.Fatalf("expected valid payload, got %v", err)
	}
}

func TestValidate_RejectsMissingName(t *testing.T) {
	p := Payload{Description: "x", Class: "lightweight", Priority: "normal"}
	if err := Validate(p); err == nil {
		t.Fatal("expected validation error for missing name")
	}
}

func TestValidate_RejectsEmptyDescription(t *testing.T) {
	p := Payload{Name: "x", Description: "", Class: "lightweight", Priority: "normal"}
	if err := Validate(p); err == nil {
		t.Fatal("expected validation error for empty description")
	}
}

func TestValidate_RejectsUnknownClass(t *testing.T) {
	p := Payload{Name: "x", Description: "y", Class: "ultra_heavy", Priority: "normal"}
	if err := Validate(p); err == nil {
		t.Fatal("expected validation error for unknown class")
	}
}

func TestValidate_RejectsUnknownPriority(t *testing.T) {
	p := Payload{Name: "x", Description: "y", Class: "lightweight", Priority: "critical"}
	if err := Validate(p); err == nil {
		t.Fatal("expected validation error for unknown priority")
	}
}

func TestValidate_RejectsNameTooLong(t *testing.T) {
	long := make([]byte, 201)
	for i := range long {
		long[i] = 'a'
	}
	p := Payload{Name: string(long), Description: "y", Class: "lightweight", Priority: "normal"}
	if err := Validate(p); err == nil {
		t.Fatal("expected validation error for name exceeding maxLength")
	}
}
