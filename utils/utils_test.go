package utils_test

import (
	"testing"
	"time"

	"branchanalytics/utils"
)

func TestCreatePagination(t *testing.T) {
	p := utils.CreatePagination(25, 0, 0)
	if p.CurrentPage != 1 || p.PageSize != 10 || p.TotalPages != 3 {
		t.Fatalf("unexpected pagination %+v", p)
	}
}

func TestPageBoundsCapsSize(t *testing.T) {
	page, size, limit, offset := utils.PageBounds("3", "500")
	if page != 3 || size != 100 || limit != 100 || offset != 200 {
		t.Fatalf("got page=%d size=%d limit=%d offset=%d", page, size, limit, offset)
	}
}

func TestParseDate(t *testing.T) {
	loc := time.FixedZone("ICT", 7*3600)
	d, err := utils.ParseDate("2024-03-01", loc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Location() != loc || d.Day() != 1 {
		t.Fatalf("unexpected date %v", d)
	}
	if _, err := utils.ParseDate("01/03/2024", loc); err == nil {
		t.Fatalf("expected error for malformed date")
	}
}

func TestYesterdayUsesLocation(t *testing.T) {
	loc := time.FixedZone("ICT", 7*3600)
	// 20:00 UTC on the 1st is already the 2nd in ICT
	now := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)
	if got := utils.Yesterday(now, loc); got.Day() != 1 {
		t.Fatalf("expected the 1st, got %v", got)
	}
}
