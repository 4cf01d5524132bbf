package utils_test

import (
	"testing"

	"branchanalytics/utils"
)

func TestOptionalString(t *testing.T) {
	p := utils.OptionalString("  hello ")
	if p == nil || *p != "hello" {
		t.Fatalf("expected pointer to 'hello', got %v", p)
	}
	if utils.OptionalString("   ") != nil {
		t.Fatalf("expected nil pointer for blank input")
	}
}

func TestDeref(t *testing.T) {
	s := "world"
	if utils.Deref(&s) != "world" {
		t.Fatalf("expected 'world'")
	}
	if utils.Deref(nil) != "" {
		t.Fatalf("expected empty string for nil pointer")
	}
}
