package integration

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/dcplant/dcplant/internal/domain/activity"
	"github.com/dcplant/dcplant/internal/domain/cases"
)

func TestCaseRepo_DuplicateCaseNumber(t *testing.T) {
	ctx := context.Background()
	org := createTestOrganization(t, ctx)
	pt := createTestPatient(t, ctx, org.ID)
	first := createTestCase(t, ctx, org.ID, pt.ID, uuid.New(), cases.StatusActive)

	dup := &cases.Case{
		CaseNumber:     first.CaseNumber,
		PatientID:      pt.ID,
		Title:          "Second opinion",
		Status:         cases.StatusDraft,
		Priority:       cases.PriorityLow,
		OrganizationID: org.ID,
		CreatedBy:      uuid.New(),
	}
	err := cases.NewCaseRepoPG(globalDB.Pool).Create(ctx, dup)
	if !errors.Is(err, cases.ErrDuplicateCaseNumber) {
		t.Fatalf("expected ErrDuplicateCaseNumber, got %v", err)
	}
}

func TestCaseRepo_ListVisibility(t *testing.T) {
	ctx := context.Background()
	repo := cases.NewCaseRepoPG(globalDB.Pool)

	home := createTestOrganization(t, ctx)
	other := createTestOrganization(t, ctx)
	pt := createTestPatient(t, ctx, home.ID)
	author, colleague := uuid.New(), uuid.New()

	draft := createTestCase(t, ctx, home.ID, pt.ID, author, cases.StatusDraft)
	active := createTestCase(t, ctx, home.ID, pt.ID, author, cases.StatusActive)
	shared := createTestCase(t, ctx, home.ID, pt.ID, author, cases.StatusInReview)
	shared.ShareWithBranches = []uuid.UUID{other.ID}
	shared.IsShared = true
	if err := repo.Update(ctx, shared); err != nil {
		t.Fatalf("share case: %v", err)
	}

	ids := func(v cases.Viewer) map[uuid.UUID]bool {
		t.Helper()
		items, total, err := repo.List(ctx, cases.ListQuery{Viewer: v, Search: pt.MRN, Limit: 50})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if total != len(items) {
			t.Errorf("total %d, page %d", total, len(items))
		}
		got := make(map[uuid.UUID]bool)
		for _, c := range items {
			got[c.ID] = true
		}
		return got
	}

	byAuthor := ids(cases.Viewer{UserID: author, OrganizationID: home.ID})
	if len(byAuthor) != 3 {
		t.Errorf("author should see all 3 cases, got %d", len(byAuthor))
	}

	byColleague := ids(cases.Viewer{UserID: colleague, OrganizationID: home.ID})
	if byColleague[draft.ID] {
		t.Error("colleague should not see another user's draft")
	}
	if !byColleague[active.ID] || !byColleague[shared.ID] {
		t.Error("colleague should see non-draft cases of the organization")
	}

	byOther := ids(cases.Viewer{UserID: uuid.New(), OrganizationID: other.ID})
	if len(byOther) != 1 || !byOther[shared.ID] {
		t.Errorf("other branch should see only the shared case, got %v", byOther)
	}

	bySuper := ids(cases.Viewer{UserID: uuid.New(), OrganizationID: other.ID, IsSuperuser: true})
	if len(bySuper) != 3 {
		t.Errorf("superuser should see all 3 cases, got %d", len(bySuper))
	}
}

func TestActivity_SurvivesCaseDelete(t *testing.T) {
	ctx := context.Background()
	org := createTestOrganization(t, ctx)
	pt := createTestPatient(t, ctx, org.ID)
	user := uuid.New()
	c := createTestCase(t, ctx, org.ID, pt.ID, user, cases.StatusActive)

	acts := activity.NewRepoPG(globalDB.Pool)
	for _, typ := range []activity.Type{activity.TypeCreated, activity.TypeDeleted} {
		a := &activity.Activity{
			CaseID:      c.ID,
			UserID:      &user,
			Type:        typ,
			Description: "Case " + c.CaseNumber,
			IPAddress:   "10.0.0.7",
		}
		if err := acts.Create(ctx, a); err != nil {
			t.Fatalf("record %s: %v", typ, err)
		}
	}

	if err := cases.NewCaseRepoPG(globalDB.Pool).Delete(ctx, c.ID); err != nil {
		t.Fatalf("delete case: %v", err)
	}
	if _, err := cases.NewCaseRepoPG(globalDB.Pool).GetByID(ctx, c.ID); !errors.Is(err, cases.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	items, total, err := acts.ListByCase(ctx, c.ID, 10, 0)
	if err != nil {
		t.Fatalf("list activities: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 surviving activities, got %d", total)
	}
	if items[0].IPAddress != "10.0.0.7" {
		t.Errorf("ip address = %q", items[0].IPAddress)
	}
}

func TestCategoryRepo_SlugAndCaseFilter(t *testing.T) {
	ctx := context.Background()
	catRepo := cases.NewCategoryRepoPG(globalDB.Pool)
	caseRepo := cases.NewCaseRepoPG(globalDB.Pool)

	slug := cases.Slugify(uniqueName("implants"))
	cat := &cases.Category{Name: "Implants", Slug: slug, IsActive: true}
	if err := catRepo.Create(ctx, cat); err != nil {
		t.Fatalf("create category: %v", err)
	}
	dup := &cases.Category{Name: "Implants again", Slug: slug, IsActive: true}
	if err := catRepo.Create(ctx, dup); !errors.Is(err, cases.ErrDuplicateSlug) {
		t.Fatalf("expected ErrDuplicateSlug, got %v", err)
	}
	if _, err := catRepo.GetByID(ctx, uuid.New()); !errors.Is(err, cases.ErrCategoryNotFound) {
		t.Fatalf("expected ErrCategoryNotFound, got %v", err)
	}

	org := createTestOrganization(t, ctx)
	pt := createTestPatient(t, ctx, org.ID)
	author := uuid.New()
	tagged := createTestCase(t, ctx, org.ID, pt.ID, author, cases.StatusActive)
	createTestCase(t, ctx, org.ID, pt.ID, author, cases.StatusActive)
	tagged.CategoryID = &cat.ID
	if err := caseRepo.Update(ctx, tagged); err != nil {
		t.Fatalf("set category: %v", err)
	}

	items, total, err := caseRepo.List(ctx, cases.ListQuery{
		Viewer:     cases.Viewer{UserID: author, OrganizationID: org.ID},
		CategoryID: &cat.ID,
		Limit:      50,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || items[0].ID != tagged.ID {
		t.Fatalf("expected only the tagged case, got %d", total)
	}
	if items[0].CategoryID == nil || *items[0].CategoryID != cat.ID {
		t.Errorf("category_id not read back: %v", items[0].CategoryID)
	}
}
