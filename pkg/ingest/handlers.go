package ingest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/testrift/testrift/pkg/database"
	"github.com/testrift/testrift/pkg/events"
	"github.com/testrift/testrift/pkg/models"
	"github.com/testrift/testrift/pkg/protocol"
)

// generatedRunIDLength is the length of server-generated run ids.
const generatedRunIDLength = 12

// handleRunStarted validates or generates the run id, resolves the group and
// run name, creates the run everywhere (memory, disk, index), and replies to
// the runner. Validation failures are replied in-band and leave the session
// open for another attempt.
func (s *Session) handleRunStarted(ctx context.Context, msg *protocol.Message) error {
	if s.active != nil {
		return s.replyError(ctx, "Session already owns a run")
	}

	runID := msg.RunID
	if runID == "" {
		u := uuid.New()
		runID = hex.EncodeToString(u[:])[:generatedRunIDLength]
	} else if err := models.ValidateRunID(runID); err != nil {
		return s.replyError(ctx, err.Error())
	}

	if s.deps.Runs.Exists(runID) {
		return s.replyError(ctx, fmt.Sprintf("Run ID %q is already in use", runID))
	}
	exists, err := s.deps.DB.RunExists(ctx, runID)
	if err != nil {
		return fmt.Errorf("check run id: %w", err)
	}
	if exists {
		return s.replyError(ctx, fmt.Sprintf("Run ID %q is already in use", runID))
	}

	group := models.NormalizeGroup(msg.Group)
	groupHash := models.ComputeGroupHash(group)

	startTime := msg.Timestamp
	if startTime == "" {
		startTime = protocol.NowTimestamp()
	}

	baseName := msg.RunName
	if baseName == "" {
		baseName = "Run " + time.Now().UTC().Format("2006-01-02 15:04:05")
	}
	existing, err := s.deps.DB.RunNamesWithBase(ctx, baseName, groupHash)
	if err != nil {
		return fmt.Errorf("uniquify run name: %w", err)
	}
	runName := uniquifyRunName(baseName, existing)

	retentionDays := msg.RetentionDays
	if retentionDays == 0 {
		retentionDays = s.deps.Config.Retention.DefaultRetentionDays
	}

	run := &models.TestRun{
		RunID:         runID,
		RunName:       runName,
		Status:        models.RunStatusRunning,
		StartTime:     startTime,
		RetentionDays: retentionDays,
		LocalRun:      msg.LocalRun,
		UserMetadata:  msg.UserMetadata,
		Group:         group,
		GroupHash:     groupHash,
		TestCases:     make(map[string]*models.TestCase),
	}
	if retentionDays > 0 {
		run.DeletesAt = time.Now().UTC().AddDate(0, 0, retentionDays).Format("2006-01-02T15:04:05.000Z")
	}

	// Index first: a rejected run id must leave no directory behind.
	if err := s.deps.DB.InsertRun(ctx, run); err != nil {
		if errors.Is(err, database.ErrRunIDInUse) {
			return s.replyError(ctx, fmt.Sprintf("Run ID %q is already in use", runID))
		}
		return err
	}

	if err := s.deps.LogStore.CreateRunDir(runID); err != nil {
		if uerr := s.deps.DB.UpdateRunStatus(ctx, runID, models.RunStatusAborted, startTime, "Storage failure"); uerr != nil {
			slog.Error("Failed to mark run aborted after storage failure",
				"run_id", runID, "error", uerr)
		}
		return err
	}
	if err := s.deps.LogStore.WriteSidecar(run); err != nil {
		slog.Error("Failed to write sidecar", "run_id", runID, "error", err)
	}

	active, err := s.deps.Runs.Add(run)
	if err != nil {
		return s.replyError(ctx, err.Error())
	}
	s.active = active

	s.deps.Broadcaster.Broadcast(&events.RunStartedPayload{
		Type:      events.EventRunStarted,
		RunID:     runID,
		RunName:   runName,
		GroupHash: groupHash,
		GroupName: groupName(group),
		StartTime: startTime,
		LocalRun:  run.LocalRun,
	})

	resp := protocol.RunStartedResponse{
		RunID:   runID,
		RunName: runName,
		RunURL:  s.deps.Config.Server.URLPrefix + "/testRun/" + runID + "/index.html",
	}
	if groupHash != "" {
		resp.GroupHash = groupHash
		resp.GroupURL = s.deps.Config.Server.URLPrefix + "/groups/" + groupHash
	}
	slog.Info("Run started", "run_id", runID, "run_name", runName, "group_hash", groupHash)
	return s.reply(ctx, resp)
}

func groupName(g *models.Group) string {
	if g == nil {
		return ""
	}
	return g.Name
}

// uniquifyRunName appends " 1", " 2", ... until the name is free within the
// group scope.
func uniquifyRunName(base string, existing []string) string {
	taken := make(map[string]bool, len(existing))
	for _, name := range existing {
		taken[name] = true
	}
	if !taken[base] {
		return base
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s %d", base, i)
		if !taken[candidate] {
			return candidate
		}
	}
}

func (s *Session) handleTestCaseStarted(ctx context.Context, msg *protocol.Message) error {
	if s.active == nil {
		return fmt.Errorf("test_case_started before run_started")
	}
	if err := models.ValidateTestCaseID(msg.TCID); err != nil {
		slog.Warn("Rejecting test case with invalid id",
			"run_id", s.active.RunID(), "tc_id", msg.TCID, "error", err)
		return nil
	}
	fullName := models.NormalizeTestCaseName(msg.TCFullName)
	startTime := msg.Timestamp
	if startTime == "" {
		startTime = protocol.NowTimestamp()
	}

	var run *models.TestRun
	s.active.Mutate(func(r *models.TestRun) {
		run = r
		tc, exists := r.TestCases[fullName]
		if !exists {
			tc = &models.TestCase{TCID: msg.TCID, FullName: fullName}
			r.TestCases[fullName] = tc
			r.CaseOrder = append(r.CaseOrder, fullName)
		}
		tc.TCID = msg.TCID
		tc.Status = models.TCStatusRunning
		tc.StartTime = startTime
		tc.EndTime = ""
		r.RegisterCase(msg.TCID, fullName)
	})

	if err := s.deps.DB.InsertTestCase(ctx, run.RunID, fullName, msg.TCID, models.TCStatusRunning, startTime); err != nil {
		slog.Error("Failed to index test case",
			"run_id", run.RunID, "tc_id", msg.TCID, "error", err)
	}
	// Touch the log file so viewers connecting before the first batch get
	// an empty replay instead of a missing file.
	if err := s.deps.LogStore.TouchCaseLog(run.RunID, msg.TCID); err != nil {
		slog.Error("Failed to touch case log",
			"run_id", run.RunID, "tc_id", msg.TCID, "error", err)
	}
	s.writeSidecar()

	s.broadcastCase(events.EventTestCaseStarted, fullName, msg.TCID)
	return nil
}

func (s *Session) handleLogBatch(ctx context.Context, msg *protocol.Message) error {
	if s.active == nil {
		return fmt.Errorf("log_batch before run_started")
	}
	fullName, ok := s.active.CaseFullNameByID(msg.TCID)
	if !ok {
		slog.Warn("Dropping log batch for unknown test case",
			"run_id", s.active.RunID(), "tc_id", msg.TCID)
		return nil
	}

	// Keep only entries that carry a timestamp; persist them verbatim.
	valid := make([]map[string]any, 0, len(msg.RawEntries))
	for _, entry := range msg.RawEntries {
		if _, hasTS := entry[protocol.FTimestamp]; !hasTS {
			slog.Warn("Dropping log entry without timestamp",
				"run_id", s.active.RunID(), "tc_id", msg.TCID)
			continue
		}
		valid = append(valid, entry)
	}
	if len(valid) == 0 {
		return nil
	}

	if err := s.deps.LogStore.AppendLogEntries(s.active.RunID(), msg.TCID, valid); err != nil {
		// A failed append is logged but does not terminate the session;
		// index and broadcast still happen so listings stay accurate.
		slog.Error("Failed to persist log entries",
			"run_id", s.active.RunID(), "tc_id", msg.TCID, "error", err)
	}

	for _, entry := range valid {
		frame, err := protocol.Marshal(entry)
		if err != nil {
			slog.Warn("Failed to encode log entry for streaming",
				"run_id", s.active.RunID(), "tc_id", msg.TCID, "error", err)
			continue
		}
		s.active.PublishToCase(fullName, frame)
	}
	return nil
}

func (s *Session) handleException(ctx context.Context, msg *protocol.Message) error {
	if s.active == nil {
		return fmt.Errorf("exception before run_started")
	}
	fullName, ok := s.active.CaseFullNameByID(msg.TCID)
	if !ok {
		slog.Warn("Dropping exception for unknown test case",
			"run_id", s.active.RunID(), "tc_id", msg.TCID)
		return nil
	}

	record := protocol.CompactException(msg)
	if err := s.deps.LogStore.AppendStackRecord(s.active.RunID(), msg.TCID, record); err != nil {
		slog.Error("Failed to persist stack record",
			"run_id", s.active.RunID(), "tc_id", msg.TCID, "error", err)
	}
	// Disk stays authoritative for stacks: verify the reload works so a
	// broken file surfaces here, not at replay time.
	if _, err := s.deps.LogStore.ReadCaseStacks(s.active.RunID(), msg.TCID); err != nil {
		slog.Error("Failed to reload stacks from disk",
			"run_id", s.active.RunID(), "tc_id", msg.TCID, "error", err)
	}

	frame, err := protocol.Marshal(record)
	if err == nil {
		s.active.PublishToCase(fullName, frame)
	}
	s.writeSidecar()
	return nil
}

func (s *Session) handleTestCaseFinished(ctx context.Context, msg *protocol.Message) error {
	if s.active == nil {
		return fmt.Errorf("test_case_finished before run_started")
	}
	switch msg.Status {
	case models.TCStatusPassed, models.TCStatusFailed, models.TCStatusSkipped,
		models.TCStatusAborted, models.TCStatusError:
	default:
		slog.Warn("Ignoring test_case_finished with invalid status",
			"run_id", s.active.RunID(), "tc_id", msg.TCID, "status", msg.Status)
		return nil
	}

	fullName, ok := s.active.CaseFullNameByID(msg.TCID)
	if !ok {
		slog.Warn("Dropping test_case_finished for unknown test case",
			"run_id", s.active.RunID(), "tc_id", msg.TCID)
		return nil
	}

	endTime := msg.Timestamp
	if endTime == "" {
		endTime = protocol.NowTimestamp()
	}
	s.active.Mutate(func(r *models.TestRun) {
		tc := r.TestCases[fullName]
		tc.Status = msg.Status
		tc.EndTime = endTime
	})
	s.writeSidecar()

	if err := s.deps.DB.UpdateTestCaseStatus(ctx, s.active.RunID(), fullName, msg.Status, endTime); err != nil {
		slog.Error("Failed to index test case result",
			"run_id", s.active.RunID(), "tc_id", msg.TCID, "error", err)
	}

	s.broadcastCase(events.EventTestCaseFinished, fullName, msg.TCID)
	return nil
}

func (s *Session) handleRunFinished(ctx context.Context, msg *protocol.Message) error {
	if s.active == nil {
		return fmt.Errorf("run_finished before run_started")
	}
	status := msg.Status
	if status != models.RunStatusAborted {
		status = models.RunStatusFinished
	}
	endTime := msg.Timestamp
	if endTime == "" {
		endTime = protocol.NowTimestamp()
	}
	s.finalizeRun(status, endTime, "")
	return nil
}

// handleBatch applies the contained events in order; each inherits the outer
// run_id.
func (s *Session) handleBatch(ctx context.Context, msg *protocol.Message) error {
	for _, event := range msg.Events {
		if event.RunID == "" {
			event.RunID = msg.RunID
		}
		if err := s.dispatch(ctx, event); err != nil {
			slog.Error("Batch event failed",
				"event", event.Type, "run_id", msg.RunID, "tc_id", event.TCID, "error", err)
		}
	}
	return nil
}

// abortRun transitions the run to aborted with the given reason. Idempotent
// within a session.
func (s *Session) abortRun(reason string) {
	if s.active == nil || s.active.Terminal() {
		return
	}
	s.finalizeRun(models.RunStatusAborted, protocol.NowTimestamp(), reason)
}

// finalizeRun performs the terminal transition: aborts still-running cases
// (with per-case broadcasts), merges per-case files into the archive, writes
// the final sidecar, marks the index, broadcasts run_finished exactly once,
// and drops the run from the active map. The watchdog and the session's
// clean-close path can both reach here when the connection dies; the status
// check-and-set inside one Mutate picks a single winner and the loser does
// nothing.
func (s *Session) finalizeRun(status, endTime, abortReason string) {
	if s.active == nil {
		return
	}
	ctx := context.Background()
	runID := s.active.RunID()

	type abortedCase struct {
		fullName string
		tcID     string
	}
	var aborted []abortedCase
	claimed := false
	s.active.Mutate(func(r *models.TestRun) {
		if r.Terminal() {
			return
		}
		claimed = true
		for _, name := range r.CaseOrder {
			tc := r.TestCases[name]
			if tc.Status == models.TCStatusRunning {
				tc.Status = models.TCStatusAborted
				tc.EndTime = endTime
				aborted = append(aborted, abortedCase{fullName: name, tcID: tc.TCID})
			}
		}
		r.Status = status
		r.EndTime = endTime
		r.AbortReason = abortReason
	})
	if !claimed {
		return
	}

	for _, ac := range aborted {
		if err := s.deps.DB.UpdateTestCaseStatus(ctx, runID, ac.fullName, models.TCStatusAborted, endTime); err != nil {
			slog.Error("Failed to index aborted test case",
				"run_id", runID, "tc_id", ac.tcID, "error", err)
		}
		s.broadcastCase(events.EventTestCaseUpdated, ac.fullName, ac.tcID)
	}

	// Merge under the run lock: it rewrites per-case offsets and counts that
	// concurrent readers snapshot.
	var mergeErr error
	s.active.Mutate(func(r *models.TestRun) {
		mergeErr = s.deps.LogStore.MergeRun(r)
	})
	if mergeErr != nil {
		slog.Error("Failed to merge run logs", "run_id", runID, "error", mergeErr)
	}
	s.writeSidecar()

	if err := s.deps.DB.UpdateRunStatus(ctx, runID, status, endTime, abortReason); err != nil {
		slog.Error("Failed to index run completion", "run_id", runID, "error", err)
	}

	var counts models.StatusCounts
	s.active.Read(func(r *models.TestRun) {
		counts = r.CountStatuses()
	})
	s.deps.Broadcaster.Broadcast(&events.RunFinishedPayload{
		Type:        events.EventRunFinished,
		RunID:       runID,
		Status:      status,
		EndTime:     endTime,
		AbortReason: abortReason,
		Counts:      counts,
	})

	s.deps.Runs.Remove(runID)
	slog.Info("Run completed", "run_id", runID, "status", status, "abort_reason", abortReason)
}

// writeSidecar rewrites the sidecar from the current run state, preserving
// deletes_at and merge offsets because they live on the run itself.
func (s *Session) writeSidecar() {
	var run models.TestRun
	s.active.Read(func(r *models.TestRun) {
		run = *r
	})
	if err := s.deps.LogStore.WriteSidecar(&run); err != nil {
		slog.Error("Failed to write sidecar", "run_id", run.RunID, "error", err)
	}
}

// broadcastCase emits a test-case lifecycle event with current counts.
func (s *Session) broadcastCase(eventType, fullName, tcID string) {
	var meta events.TCMeta
	var counts models.StatusCounts
	s.active.Read(func(r *models.TestRun) {
		if tc := r.TestCases[fullName]; tc != nil {
			meta = events.TCMeta{Status: tc.Status, StartTime: tc.StartTime, EndTime: tc.EndTime}
		}
		counts = r.CountStatuses()
	})
	s.deps.Broadcaster.Broadcast(&events.TestCasePayload{
		Type:       eventType,
		RunID:      s.active.RunID(),
		TCFullName: fullName,
		TCID:       tcID,
		TCMeta:     meta,
		Counts:     counts,
	})
}

func (s *Session) reply(ctx context.Context, resp protocol.RunStartedResponse) error {
	frame, err := protocol.EncodeRunStartedResponse(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return s.conn.Write(ctx, frame)
}

func (s *Session) replyError(ctx context.Context, message string) error {
	return s.reply(ctx, protocol.RunStartedResponse{Err: message})
}
