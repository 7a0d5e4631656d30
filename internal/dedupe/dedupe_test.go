package dedupe

import (
	"context"
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://www.linkedin.com/in/Jane-Doe/", "linkedin.com/in/jane-doe"},
		{"http://linkedin.com/in/jane-doe?utm_source=x", "linkedin.com/in/jane-doe"},
		{"linkedin.com/in/jane-doe#about", "linkedin.com/in/jane-doe"},
		{"https://linkedin.com/in/jane-doe///", "linkedin.com/in/jane-doe"},
		{"https://www.linkedin.com/in/jane-doe/details/experience", "linkedin.com/in/jane-doe"},
		{"  https://linkedin.com/in/jane-doe  ", "linkedin.com/in/jane-doe"},
		{"ACoAABxyz123", "ACoAABxyz123"},
		{"ACwAAAabc", "ACwAAAabc"},
		{"", ""},
		{"jane-doe@example.com", "jane-doe@example.com"},
	}

	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type fakeIndex struct {
	holders map[string][]Holder
	err     error
}

func (f *fakeIndex) ProspectsByIdentity(ctx context.Context, workspaceID, normalizedID string) ([]Holder, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.holders[workspaceID+"/"+normalizedID], nil
}

func TestCheckDuplicate(t *testing.T) {
	index := &fakeIndex{holders: map[string][]Holder{
		"ws-1/linkedin.com/in/jane": {
			{ProspectID: "p-1", CampaignID: "c-1", Contactable: true},
			{ProspectID: "p-2", CampaignID: "c-2", Contactable: false},
		},
	}}
	r := NewResolver(index)
	ctx := context.Background()

	// another campaign's prospect is mid-conversation with the same person
	err := r.Check(ctx, CheckInput{
		ProspectID:   "p-2",
		WorkspaceID:  "ws-1",
		NormalizedID: "linkedin.com/in/jane",
	}, "acc-1")
	var dup *DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateError, got %v", err)
	}
	if dup.ProspectID != "p-1" {
		t.Errorf("duplicate holder = %s, want p-1", dup.ProspectID)
	}

	// the holder itself passes its own check
	if err := r.Check(ctx, CheckInput{
		ProspectID:   "p-1",
		WorkspaceID:  "ws-1",
		NormalizedID: "linkedin.com/in/jane",
	}, "acc-1"); err != nil {
		t.Errorf("holder should pass: %v", err)
	}

	// nobody contactable holds the identity in another workspace
	if err := r.Check(ctx, CheckInput{
		ProspectID:   "p-9",
		WorkspaceID:  "ws-2",
		NormalizedID: "linkedin.com/in/jane",
	}, "acc-1"); err != nil {
		t.Errorf("other workspace should pass: %v", err)
	}
}

func TestCheckOwnership(t *testing.T) {
	r := NewResolver(&fakeIndex{})
	ctx := context.Background()

	// legacy prospect with no owner is claimable by any account
	if err := r.Check(ctx, CheckInput{
		ProspectID:   "p-1",
		WorkspaceID:  "ws-1",
		NormalizedID: "linkedin.com/in/jane",
	}, "acc-1"); err != nil {
		t.Errorf("unowned prospect should pass: %v", err)
	}

	// owned prospect dispatched by its owner
	if err := r.Check(ctx, CheckInput{
		ProspectID:     "p-1",
		WorkspaceID:    "ws-1",
		NormalizedID:   "linkedin.com/in/jane",
		OwnerAccountID: "acc-1",
	}, "acc-1"); err != nil {
		t.Errorf("owner dispatch should pass: %v", err)
	}

	// owned prospect dispatched by a different account
	err := r.Check(ctx, CheckInput{
		ProspectID:     "p-1",
		WorkspaceID:    "ws-1",
		NormalizedID:   "linkedin.com/in/jane",
		OwnerAccountID: "acc-1",
	}, "acc-2")
	var own *OwnershipError
	if !errors.As(err, &own) {
		t.Fatalf("expected OwnershipError, got %v", err)
	}
	if own.OwnerAccountID != "acc-1" || own.DispatchingAccountID != "acc-2" {
		t.Errorf("unexpected ownership error: %+v", own)
	}
}

func TestCheckIndexError(t *testing.T) {
	boom := errors.New("db closed")
	r := NewResolver(&fakeIndex{err: boom})

	err := r.Check(context.Background(), CheckInput{
		ProspectID:   "p-1",
		WorkspaceID:  "ws-1",
		NormalizedID: "linkedin.com/in/jane",
	}, "acc-1")
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped index error, got %v", err)
	}
}
