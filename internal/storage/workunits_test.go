package storage

import (
	"context"
	"testing"
	"time"
)

func TestCreateWorkUnit_RejectsTargetBelowQuorum(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	app := &App{Name: "a", Replication: 2}
	if err := db.CreateApp(ctx, app); err != nil {
		t.Fatalf("CreateApp: %v", err)
	}
	wu := &WorkUnit{AppID: app.ID, Name: "bad", FpopsEst: 1, FpopsBound: 1, MinQuorum: 3, TargetNResults: 2}
	if err := db.CreateWorkUnit(ctx, wu); err == nil {
		t.Fatal("expected error for target_nresults < min_quorum")
	}
}

func TestCreateWorkUnitWithResults(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	wu, results := seedWorkUnit(t, db, "wu-1", 2, 2)

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Name != "wu-1_0" || results[1].Name != "wu-1_1" {
		t.Errorf("unexpected result names %q %q", results[0].Name, results[1].Name)
	}
	got, err := db.GetWorkUnit(ctx, wu.ID)
	if err != nil {
		t.Fatalf("GetWorkUnit: %v", err)
	}
	if len(got.Keywords) != 1 || got.Keywords[0] != "physics" {
		t.Errorf("keywords = %v", got.Keywords)
	}
	if len(got.InputFiles) != 1 || got.InputFiles[0] != "wu-1.in" {
		t.Errorf("input files = %v", got.InputFiles)
	}
}

func TestEscalateReplication_OnlyOnce(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	wu, _ := seedWorkUnit(t, db, "wu-solo", 1, 1)
	now := time.Now().Unix()

	if err := db.EscalateReplication(ctx, wu.ID, 2, now); err != nil {
		t.Fatalf("EscalateReplication: %v", err)
	}
	err := db.EscalateReplication(ctx, wu.ID, 2, now)
	if !isNoRows(err) {
		t.Fatalf("second escalation: expected ErrNoRows, got %v", err)
	}

	got, _ := db.GetWorkUnit(ctx, wu.ID)
	if got.MinQuorum != 2 || got.TargetNResults != 2 {
		t.Errorf("quorum/target = %d/%d, want 2/2", got.MinQuorum, got.TargetNResults)
	}
	results, _ := db.ListResultsForWorkUnit(ctx, wu.ID)
	if len(results) != 2 {
		t.Errorf("expected 2 results after escalation, got %d", len(results))
	}
}

func TestRaiseTargetResults_BoundedByMaxTotal(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	wu, _ := seedWorkUnit(t, db, "wu-raise", 2, 5)

	if err := db.RaiseTargetResults(ctx, wu.ID, 1); err != nil {
		t.Fatalf("RaiseTargetResults: %v", err)
	}
	// max_total_results is 6 and there are now 6 results.
	if err := db.RaiseTargetResults(ctx, wu.ID, 2); !isNoRows(err) {
		t.Fatalf("expected ErrNoRows at max_total_results, got %v", err)
	}
	got, _ := db.GetWorkUnit(ctx, wu.ID)
	if got.TargetNResults != 6 {
		t.Errorf("target_nresults = %d, want 6", got.TargetNResults)
	}
}

func TestMarkWorkUnitError_CancelsUnsent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	wu, _ := seedWorkUnit(t, db, "wu-err", 2, 2)

	if err := db.MarkWorkUnitError(ctx, wu.ID, WUErrTooManyErrors, 42); err != nil {
		t.Fatalf("MarkWorkUnitError: %v", err)
	}
	got, _ := db.GetWorkUnit(ctx, wu.ID)
	if got.ErrorMask&WUErrTooManyErrors == 0 {
		t.Errorf("error mask = %d", got.ErrorMask)
	}
	if got.AssimilateState != AssimilateReady || got.TransitionTime != 42 {
		t.Errorf("assimilate_state=%d transition_time=%d", got.AssimilateState, got.TransitionTime)
	}
	results, _ := db.ListResultsForWorkUnit(ctx, wu.ID)
	for _, r := range results {
		if r.ServerState != ServerStateOver || r.Outcome != OutcomeDidntNeed {
			t.Errorf("result %d state=%d outcome=%d", r.ID, r.ServerState, r.Outcome)
		}
	}
	sendable, err := db.ListSendable(ctx, 10, nil)
	if err != nil {
		t.Fatalf("ListSendable: %v", err)
	}
	if len(sendable) != 0 {
		t.Errorf("errored workunit still sendable: %d", len(sendable))
	}
}

func TestMarkResultSent_SecondSenderLoses(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	host, user, _ := seedHost(t, db)
	_, results := seedWorkUnit(t, db, "wu-race", 1, 1)

	u := SendUpdate{ResultID: results[0].ID, HostID: host.ID, UserID: user.ID, ProcType: ProcCPU, SentTime: 1, ReportDeadline: 2}
	if err := db.MarkResultSent(ctx, u); err != nil {
		t.Fatalf("MarkResultSent: %v", err)
	}
	if err := db.MarkResultSent(ctx, u); !isNoRows(err) {
		t.Fatalf("expected ErrNoRows for second send, got %v", err)
	}

	counts, err := db.InProgressCounts(ctx, host.ID)
	if err != nil {
		t.Fatalf("InProgressCounts: %v", err)
	}
	if len(counts) != 1 || counts[0].N != 1 || counts[0].ProcType != ProcCPU {
		t.Errorf("counts = %+v", counts)
	}
	has, err := db.HostHasResultForWorkUnit(ctx, host.ID, results[0].WorkUnitID)
	if err != nil || !has {
		t.Errorf("HostHasResultForWorkUnit = %v, %v", has, err)
	}
}

func TestReportResult_FlagsValidation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	host, user, _ := seedHost(t, db)
	wu, results := seedWorkUnit(t, db, "wu-report", 1, 1)

	if err := db.MarkResultSent(ctx, SendUpdate{ResultID: results[0].ID, HostID: host.ID, UserID: user.ID}); err != nil {
		t.Fatalf("MarkResultSent: %v", err)
	}
	rep := Report{ResultID: results[0].ID, HostID: host.ID, Outcome: OutcomeSuccess, ClaimedCredit: 12, ReceivedTime: 77, OutputDigest: "abc"}
	if err := db.ReportResult(ctx, rep); err != nil {
		t.Fatalf("ReportResult: %v", err)
	}
	if err := db.ReportResult(ctx, rep); err == nil {
		t.Fatal("expected second report to fail")
	}
	got, _ := db.GetWorkUnit(ctx, wu.ID)
	if !got.NeedValidate {
		t.Error("workunit not flagged need_validate")
	}
	r, _ := db.GetResult(ctx, results[0].ID)
	if r.ServerState != ServerStateOver || r.Outcome != OutcomeSuccess || r.OutputDigest != "abc" {
		t.Errorf("result after report = %+v", r)
	}
	wus, err := db.ListWorkUnitsToValidate(ctx, wu.AppID, 10)
	if err != nil || len(wus) != 1 {
		t.Fatalf("ListWorkUnitsToValidate = %d, %v", len(wus), err)
	}
}

func TestListSendable_Exclude(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, results := seedWorkUnit(t, db, "wu-feed", 2, 3)

	jobs, err := db.ListSendable(ctx, 10, map[int64]bool{results[0].ID: true})
	if err != nil {
		t.Fatalf("ListSendable: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 sendable jobs, got %d", len(jobs))
	}
	for _, j := range jobs {
		if j.Result.ID == results[0].ID {
			t.Error("excluded result returned")
		}
		if j.WorkUnit.Name != "wu-feed" {
			t.Errorf("workunit name = %q", j.WorkUnit.Name)
		}
	}
}

func TestCommitConsensus_AtMostOnce(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	host, user, _ := seedHost(t, db)
	wu, results := seedWorkUnit(t, db, "wu-consensus", 2, 3)

	for _, r := range results[:2] {
		if err := db.MarkResultSent(ctx, SendUpdate{ResultID: r.ID, HostID: host.ID, UserID: user.ID}); err != nil {
			t.Fatalf("MarkResultSent: %v", err)
		}
		if err := db.ReportResult(ctx, Report{ResultID: r.ID, HostID: host.ID, Outcome: OutcomeSuccess}); err != nil {
			t.Fatalf("ReportResult: %v", err)
		}
	}

	c := Consensus{
		WorkUnitID:        wu.ID,
		CanonicalResultID: results[0].ID,
		CanonicalCredit:   5,
		Verdicts: []ResultVerdict{
			{ResultID: results[0].ID, ValidateState: ValidateStateValid, Outcome: OutcomeSuccess, GrantedCredit: 5},
			{ResultID: results[1].ID, ValidateState: ValidateStateValid, Outcome: OutcomeSuccess, GrantedCredit: 5},
		},
		Now: 100,
	}
	cancelled, err := db.CommitConsensus(ctx, c)
	if err != nil {
		t.Fatalf("CommitConsensus: %v", err)
	}
	if cancelled != 1 {
		t.Errorf("cancelled = %d, want 1", cancelled)
	}
	third, _ := db.GetResult(ctx, results[2].ID)
	if third.Outcome != OutcomeDidntNeed {
		t.Errorf("unsent result outcome = %d, want didn't need", third.Outcome)
	}

	c.CanonicalResultID = results[1].ID
	c.Verdicts = nil
	if _, err := db.CommitConsensus(ctx, c); !isNoRows(err) {
		t.Fatalf("expected ErrNoRows when canonical exists, got %v", err)
	}
	got, _ := db.GetWorkUnit(ctx, wu.ID)
	if got.CanonicalResultID != results[0].ID {
		t.Errorf("canonical changed to %d", got.CanonicalResultID)
	}
	if got.AssimilateState != AssimilateReady || got.NeedValidate {
		t.Errorf("assimilate_state=%d need_validate=%v", got.AssimilateState, got.NeedValidate)
	}
	r1, _ := db.GetResult(ctx, results[1].ID)
	if r1.ValidateState != ValidateStateValid || r1.GrantedCredit != 5 {
		t.Errorf("verdict not applied: %+v", r1)
	}
}

func TestHostAppVersion_Lifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	hav, err := db.GetHostAppVersion(ctx, 1, 2, 8)
	if err != nil {
		t.Fatalf("GetHostAppVersion: %v", err)
	}
	if hav.MaxJobsPerDay != 8 || hav.NJobsToday != 0 {
		t.Fatalf("new hav = %+v", hav)
	}
	if err := db.IncrementJobsToday(ctx, 1, 2); err != nil {
		t.Fatalf("IncrementJobsToday: %v", err)
	}
	hav.ConsecutiveValid = 11
	hav.Trusted = true
	if err := db.UpdateHostAppVersion(ctx, hav); err != nil {
		t.Fatalf("UpdateHostAppVersion: %v", err)
	}
	got, _ := db.GetHostAppVersion(ctx, 1, 2, 99)
	if got.NJobsToday != 1 || !got.Trusted || got.ConsecutiveValid != 11 || got.MaxJobsPerDay != 8 {
		t.Errorf("hav = %+v", got)
	}
	n, err := db.ResetDailyJobs(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ResetDailyJobs = %d, %v", n, err)
	}
}

func TestCountResults_AndAddResults(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	host, user, _ := seedHost(t, db)
	wu, results := seedWorkUnit(t, db, "wu-tally", 2, 2)

	for i, outcome := range []int{OutcomeSuccess, OutcomeClientError} {
		r := results[i]
		if err := db.MarkResultSent(ctx, SendUpdate{ResultID: r.ID, HostID: host.ID, UserID: user.ID}); err != nil {
			t.Fatalf("MarkResultSent: %v", err)
		}
		if err := db.ReportResult(ctx, Report{ResultID: r.ID, HostID: host.ID, Outcome: outcome}); err != nil {
			t.Fatalf("ReportResult: %v", err)
		}
	}
	tally, err := db.CountResults(ctx, wu.ID)
	if err != nil {
		t.Fatalf("CountResults: %v", err)
	}
	if tally != (ResultTally{Total: 2, Success: 1, Errors: 1}) {
		t.Fatalf("tally = %+v", tally)
	}

	added, err := db.AddResults(ctx, wu.ID, 10)
	if err != nil {
		t.Fatalf("AddResults: %v", err)
	}
	if added != 4 {
		t.Fatalf("added = %d, want 4 (max_total_results 6)", added)
	}
	tally, _ = db.CountResults(ctx, wu.ID)
	if tally.Total != 6 || tally.Unsent != 4 {
		t.Errorf("tally after add = %+v", tally)
	}
	got, _ := db.GetWorkUnit(ctx, wu.ID)
	if got.TargetNResults != 2 {
		t.Errorf("target_nresults changed to %d", got.TargetNResults)
	}
}
