package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/grafana/vmsched/cmd/vmsched/build"
	"github.com/grafana/vmsched/internal/admission"
	"github.com/grafana/vmsched/internal/errs"
	"github.com/grafana/vmsched/internal/grouptree"
	"github.com/grafana/vmsched/internal/memsched"
	utillog "github.com/grafana/vmsched/pkg/util/log"
)

// registerAdminHandlers wires the admin HTTP surface onto a.Server's
// router: ready/status/buildinfo following cmd/tempo/app/app.go's Run,
// plus the group/vsmp admission and memory-reservation endpoints that
// exercise internal/admission (spec.md §4.K) over plain JSON, since this
// binary has no gRPC surface to carry them on instead.
func (a *App) registerAdminHandlers(sm *services.Manager) {
	r := a.Server.Router()

	r.HandleFunc("/ready", a.readyHandler(sm))
	r.HandleFunc("/status", a.statusHandler())
	r.HandleFunc("/buildinfo", a.buildinfoHandler())

	if a.isModuleActive(GroupTree) {
		r.HandleFunc("/api/v1/groups", a.createGroupHandler())
		r.HandleFunc("/api/v1/vsmps", a.createVsmpHandler())
		r.HandleFunc("/api/v1/memory/reserve", a.reserveOverheadHandler())
		r.HandleFunc("/api/v1/memory/unreserve", a.unreserveOverheadHandler())
		r.HandleFunc("/api/v1/vsmps/resume", a.resumeVsmpHandler())
	}
}

func (a *App) readyHandler(sm *services.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !sm.IsHealthy() {
			msg := bytes.Buffer{}
			msg.WriteString("Some services are not Running:\n")
			for st, ls := range sm.ServicesByState() {
				fmt.Fprintf(&msg, "%v: %d\n", st, len(ls))
			}
			http.Error(w, msg.String(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "ready", http.StatusOK)
	}
}

func (a *App) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		svcNames := make([]string, 0, len(a.serviceMap))
		for name := range a.serviceMap {
			svcNames = append(svcNames, name)
		}
		sort.Strings(svcNames)

		x := table.NewWriter()
		x.SetOutputMirror(w)
		x.AppendHeader(table.Row{"module", "status", "failure case"})
		for _, name := range svcNames {
			svc := a.serviceMap[name]
			var e string
			if err := svc.FailureCase(); err != nil {
				e = err.Error()
			}
			x.AppendRows([]table.Row{{name, svc.State(), e}})
		}
		x.AppendSeparator()

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		x.Render()
	}
}

func (a *App) buildinfoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(build.GetVersion()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			level.Error(utillog.Logger).Log("msg", "error writing buildinfo response", "err", err)
		}
	}
}

// allocRequest mirrors grouptree.Alloc's shape
// flattened for JSON, since Alloc itself carries no yaml/json tags (it is
// an internal accounting type, not a wire type).
type allocRequest struct {
	Min    int64 `json:"min"`
	Max    int64 `json:"max"`
	Shares int64 `json:"shares"`
}

func (r allocRequest) toAlloc() grouptree.Alloc {
	return grouptree.Alloc{Min: r.Min, Max: r.Max, Shares: r.Shares, Units: grouptree.UnitsPercent}
}

type createGroupRequest struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	ParentID string       `json:"parent_id"`
	CPU      allocRequest `json:"cpu"`
	Mem      allocRequest `json:"mem"`
	MinLimit int64        `json:"min_limit"`
	HardMax  int64        `json:"hard_max"`
}

func (a *App) createGroupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req createGroupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.ID == "" {
			req.ID = uuid.New().String()
		}
		if err := admission.AdmitGroup(a.Tree, req.ID, req.Name, req.ParentID, req.CPU.toAlloc(), req.Mem.toAlloc(), req.MinLimit, req.HardMax); err != nil {
			writeAdmitError(w, err)
			return
		}
		writeCreatedID(w, req.ID)
	}
}

func writeCreatedID(w http.ResponseWriter, id string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(struct {
		ID string `json:"id"`
	}{ID: id})
}

type createVsmpRequest struct {
	ID            string       `json:"id"`
	ParentID      string       `json:"parent_id"`
	CPU           allocRequest `json:"cpu"`
	Mem           allocRequest `json:"mem"`
	SampleHistory int          `json:"sample_history"`
}

func (a *App) createVsmpHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req createVsmpRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.ID == "" {
			req.ID = uuid.New().String()
		}
		if err := admission.AdmitVsmp(a.Tree, req.ID, req.ParentID, req.CPU.toAlloc(), req.Mem.toAlloc()); err != nil {
			writeAdmitError(w, err)
			return
		}

		if a.isModuleActive(MemScheduler) {
			history := req.SampleHistory
			if history <= 0 {
				history = a.cfg.MemSched.SampleHistory
			}
			if err := a.MemClients.Add(memsched.NewClient(req.ID, req.ID, history)); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}

		writeCreatedID(w, req.ID)
	}
}

type reserveRequest struct {
	GroupID            string `json:"group_id"`
	Pages              int64  `json:"pages"`
	AvailableSwapPages int64  `json:"available_swap_pages"`
}

func (a *App) reserveOverheadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req reserveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := admission.Reserve(a.Tree, req.GroupID, req.Pages, a.reclaimableAutoMin, req.AvailableSwapPages); err != nil {
			writeAdmitError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (a *App) unreserveOverheadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req reserveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := admission.Unreserve(a.Tree, req.GroupID, req.Pages); err != nil {
			writeAdmitError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

type resumeRequest struct {
	GroupID           string `json:"group_id"`
	LockedPages       int64  `json:"locked_pages"`
	ExtraReservePages int64  `json:"extra_reserve_pages"`
}

func (a *App) resumeVsmpHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req resumeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		extra := req.ExtraReservePages
		if extra <= 0 {
			extra = a.cfg.MemSched.ResumeExtraReserve
		}
		if err := admission.AdmitResume(a.Tree, req.GroupID, req.LockedPages, extra); err != nil {
			writeAdmitError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// reclaimableAutoMin reports how many of groupID's client's locked pages
// sit above its group's memory EMin, as the admission.ReclaimableFunc hook
// (spec.md §3: "reclaimable autoMin memory"), since reclaimability
// depends on live memsched.Client state that internal/admission does not
// own.
func (a *App) reclaimableAutoMin(groupID string) int64 {
	c, err := a.MemClients.Get(groupID)
	if err != nil {
		return 0
	}
	n, err := a.Tree.LookupGroup(groupID)
	if err != nil {
		return 0
	}
	reclaimable := c.Locked - n.Mem.EMin
	if reclaimable < 0 {
		return 0
	}
	return reclaimable
}

func writeAdmitError(w http.ResponseWriter, err error) {
	status := http.StatusInsufficientStorage
	switch {
	case errors.Is(err, errs.ErrBadParam):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrAdmitFailed):
		status = http.StatusUnprocessableEntity
	}
	http.Error(w, err.Error(), status)
}
