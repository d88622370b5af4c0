package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/ssd-technologies/quorum/internal/metrics"
	"github.com/ssd-technologies/quorum/internal/sched"
	"github.com/ssd-technologies/quorum/internal/storage"
)

var reportOutcomes = map[string]int{
	"success":      storage.OutcomeSuccess,
	"client_error": storage.OutcomeClientError,
}

type reportedResult struct {
	ResultID      int64   `json:"result_id"`
	Outcome       string  `json:"outcome"`
	ClaimedCredit float64 `json:"claimed_credit"`
	ElapsedTime   float64 `json:"elapsed_time"`
	OutputDigest  string  `json:"output_digest,omitempty"`
}

type reportRequest struct {
	HostID  int64            `json:"host_id"`
	Results []reportedResult `json:"results"`
}

type reportReply struct {
	Accepted []int64 `json:"accepted"`
	Rejected []int64 `json:"rejected,omitempty"`
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var body reportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.HostID <= 0 {
		writeError(w, http.StatusBadRequest, "host_id is required")
		return
	}
	if !s.limiter.Allow(strconv.FormatInt(body.HostID, 10)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ctx := r.Context()
	reply := reportReply{Accepted: []int64{}}
	for _, rr := range body.Results {
		outcome, ok := reportOutcomes[rr.Outcome]
		if !ok {
			reply.Rejected = append(reply.Rejected, rr.ResultID)
			continue
		}
		err := s.db.ReportResult(ctx, storage.Report{
			ResultID:      rr.ResultID,
			HostID:        body.HostID,
			Outcome:       outcome,
			ClaimedCredit: rr.ClaimedCredit,
			ElapsedTime:   rr.ElapsedTime,
			OutputDigest:  rr.OutputDigest,
			ReceivedTime:  s.now().Unix(),
		})
		if errors.Is(err, sql.ErrNoRows) {
			reply.Rejected = append(reply.Rejected, rr.ResultID)
			continue
		}
		if err != nil {
			log.Printf("[server] report from host %d: %v", body.HostID, err)
			writeError(w, http.StatusInternalServerError, "report failed")
			return
		}
		reply.Accepted = append(reply.Accepted, rr.ResultID)
		if outcome != storage.OutcomeSuccess {
			s.resultErrored(ctx, rr.ResultID)
		}
	}
	writeJSON(w, http.StatusOK, reply)
}

// resultErrored applies the consequences of an error outcome: the host app
// version loses quota and, until the workunit has a canonical result, the
// workunit fails once it has too many errors or too many results.
func (s *Server) resultErrored(ctx context.Context, resultID int64) {
	res, err := s.db.GetResult(ctx, resultID)
	if err != nil {
		log.Printf("[server] result %d: %v", resultID, err)
		return
	}
	if res.AppVersionID != 0 {
		hav, err := s.db.GetHostAppVersion(ctx, res.HostID, res.AppVersionID, s.cfg.Scheduler.DailyQuota)
		if err == nil {
			sched.ApplyVerdict(hav, s.cfg.Reliability, s.cfg.Scheduler.DailyQuota, false, 0)
			err = s.db.UpdateHostAppVersion(ctx, hav)
		}
		if err != nil {
			log.Printf("[server] result %s: host app version: %v", res.Name, err)
		}
	}

	wu, err := s.db.GetWorkUnit(ctx, res.WorkUnitID)
	if err != nil {
		log.Printf("[server] result %s: %v", res.Name, err)
		return
	}
	if wu.CanonicalResultID != 0 {
		return
	}
	tally, err := s.db.CountResults(ctx, wu.ID)
	if err != nil {
		log.Printf("[server] workunit %s: %v", wu.Name, err)
		return
	}
	bit, reason := 0, ""
	switch {
	case tally.Errors > wu.MaxErrorResults:
		bit, reason = storage.WUErrTooManyErrors, "too_many_errors"
	case tally.Total > wu.MaxTotalResults:
		bit, reason = storage.WUErrTooManyTotal, "too_many_total"
	default:
		return
	}
	err = s.db.MarkWorkUnitError(ctx, wu.ID, bit, s.now().Unix())
	if errors.Is(err, sql.ErrNoRows) {
		return
	}
	if err != nil {
		log.Printf("[server] workunit %s: %v", wu.Name, err)
		return
	}
	metrics.WorkUnitErrors.WithLabelValues(reason).Inc()
	log.Printf("[server] workunit %s: failed (%s)", wu.Name, reason)
}
