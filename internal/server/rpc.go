package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/ssd-technologies/quorum/internal/metrics"
	"github.com/ssd-technologies/quorum/internal/sched"
	"github.com/ssd-technologies/quorum/internal/storage"
)

const maxBodyBytes = 1 << 20

// hostInfo is the hardware description a host may attach to an RPC.
type hostInfo struct {
	PFpops   float64 `json:"p_fpops"`
	NCPUs    int     `json:"p_ncpus"`
	MemBytes float64 `json:"m_nbytes"`
	DiskFree float64 `json:"d_free"`
}

// rpcRequest is the wire form of a scheduler RPC. Resources are keyed by
// processor type name ("cpu", "nvidia", "amd", "intel").
type rpcRequest struct {
	HostID      int64                     `json:"host_id"`
	Platform    string                    `json:"platform"`
	Host        *hostInfo                 `json:"host,omitempty"`
	Resources   map[string]sched.Resource `json:"resources"`
	Prefs       sched.Prefs               `json:"prefs"`
	StickyFiles []string                  `json:"sticky_files,omitempty"`
}

func (w *rpcRequest) toRequest() (*sched.Request, error) {
	if w.HostID <= 0 {
		return nil, fmt.Errorf("host_id is required")
	}
	req := &sched.Request{
		HostID:      w.HostID,
		Platform:    w.Platform,
		Prefs:       w.Prefs,
		StickyFiles: w.StickyFiles,
	}
	for name, res := range w.Resources {
		pt, ok := storage.ParseProcType(name)
		if !ok {
			return nil, fmt.Errorf("unknown processor type %q", name)
		}
		req.Resources[pt] = res
	}
	return req, nil
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var body rpcRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.limiter.Allow(strconv.FormatInt(req.HostID, 10)) {
		metrics.SchedulerRPCs.WithLabelValues("rate_limited").Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ctx := r.Context()
	if body.Host != nil {
		if err := s.updateHost(r, req, body.Host); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				metrics.SchedulerRPCs.WithLabelValues("unknown_host").Inc()
				writeError(w, http.StatusNotFound, "unknown host")
				return
			}
			log.Printf("[server] host %d: %v", req.HostID, err)
		}
	}

	reply, err := s.dispatcher.Send(ctx, req)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			metrics.SchedulerRPCs.WithLabelValues("unknown_host").Inc()
			writeError(w, http.StatusNotFound, "unknown host")
			return
		}
		log.Printf("[server] rpc from host %d: %v", req.HostID, err)
		metrics.SchedulerRPCs.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, "scheduler unavailable")
		return
	}
	if len(reply.Assignments) == 0 {
		metrics.SchedulerRPCs.WithLabelValues("no_work").Inc()
	} else {
		metrics.SchedulerRPCs.WithLabelValues("ok").Inc()
	}
	writeJSON(w, http.StatusOK, reply)
}

// updateHost stores the hardware the host reported before dispatching.
func (s *Server) updateHost(r *http.Request, req *sched.Request, info *hostInfo) error {
	host, err := s.db.GetHost(r.Context(), req.HostID)
	if err != nil {
		return err
	}
	if req.Platform != "" {
		host.Platform = req.Platform
	}
	if info.PFpops > 0 {
		host.PFpops = info.PFpops
	}
	if info.NCPUs > 0 {
		host.NCPUs = info.NCPUs
	}
	host.MemBytes = info.MemBytes
	host.DiskFree = info.DiskFree
	return s.db.UpdateHostResources(r.Context(), host)
}
