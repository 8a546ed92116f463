package introspect

import "testing"

func TestParseEntrypointHappyPath(t *testing.T) {
	got, err := parseEntrypoint("some noise\nAIRBYTE_ENTRYPOINT=/usr/bin/run --flag\nmore noise\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/usr/bin/run --flag" {
		t.Fatalf("got %q", got)
	}
}

func TestParseEntrypointMissingMarker(t *testing.T) {
	if _, err := parseEntrypoint("nothing here\n"); err == nil {
		t.Fatal("expected an error for a missing marker")
	}
}

func TestParseEntrypointEmptyValue(t *testing.T) {
	if _, err := parseEntrypoint("AIRBYTE_ENTRYPOINT=\n"); err == nil {
		t.Fatal("expected an error for an empty value")
	}
}
