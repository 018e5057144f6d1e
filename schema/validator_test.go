package schema

import (
	"testing"
)

const personSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"age": {"type": "integer", "minimum": 0},
		"tags": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["name", "age"]
}`

func TestValidateAccepts(t *testing.T) {
	docs := []string{
		`{"name": "John", "age": 30}`,
		`{"name": "Ada", "age": 0, "tags": ["math", "computing"]}`,
	}
	for _, doc := range docs {
		valid, errs, err := Validate(doc, []byte(personSchema))
		if err != nil {
			t.Fatalf("Validate(%q): %v", doc, err)
		}
		if !valid {
			t.Errorf("Validate(%q) invalid: %v", doc, errs)
		}
		if len(errs) != 0 {
			t.Errorf("errors for valid doc: %v", errs)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name        string
		doc         string
		wantKeyword string
		wantPath    string
	}{
		{
			name:        "missing required field",
			doc:         `{"name": "John"}`,
			wantKeyword: "required",
			wantPath:    "root",
		},
		{
			name:        "wrong type",
			doc:         `{"name": "John", "age": "thirty"}`,
			wantKeyword: "invalid_type",
			wantPath:    "age",
		},
		{
			name:        "violated minimum",
			doc:         `{"name": "John", "age": -1}`,
			wantKeyword: "number_gte",
			wantPath:    "age",
		},
		{
			name:        "bad array item",
			doc:         `{"name": "John", "age": 30, "tags": ["ok", 5]}`,
			wantKeyword: "invalid_type",
			wantPath:    "tags.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid, errs, err := Validate(tt.doc, []byte(personSchema))
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if valid {
				t.Fatal("expected invalid")
			}
			if len(errs) == 0 {
				t.Fatal("no errors returned")
			}
			found := false
			for _, e := range errs {
				if e.Keyword == tt.wantKeyword && e.Path == tt.wantPath {
					found = true
				}
				if e.Hint == "" {
					t.Errorf("error %v has empty hint", e)
				}
			}
			if !found {
				t.Errorf("no error with keyword %q at path %q in %v", tt.wantKeyword, tt.wantPath, errs)
			}
		})
	}
}

func TestCheckSchema(t *testing.T) {
	if err := Check([]byte(personSchema)); err != nil {
		t.Errorf("valid schema rejected: %v", err)
	}
	if err := Check([]byte(`{"type": "nonsense-type"}`)); err == nil {
		t.Error("invalid schema accepted")
	}
	if err := Check([]byte(`not json at all`)); err == nil {
		t.Error("non-JSON schema accepted")
	}
}

func TestValidateArrayRoot(t *testing.T) {
	arraySchema := `{"type": "array", "items": {"type": "string"}}`

	valid, _, err := Validate(`["a", "b"]`, []byte(arraySchema))
	if err != nil || !valid {
		t.Errorf("valid array rejected: valid=%v err=%v", valid, err)
	}

	valid, errs, err := Validate(`{"not": "an array"}`, []byte(arraySchema))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if valid {
		t.Error("object accepted against array schema")
	}
	if len(errs) == 0 || errs[0].Path != "root" {
		t.Errorf("errors = %v, want a root-path error", errs)
	}
}
