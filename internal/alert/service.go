package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"tradex-dashboard/internal/logger"
	"tradex-dashboard/internal/metrics"
	"tradex-dashboard/internal/push/webhook"
	"tradex-dashboard/internal/store"
)

type Priority string

const (
	PriorityHigh Priority = "high"
	PriorityMed  Priority = "med"
	PriorityLow  Priority = "low"
)

type AlertRequest struct {
	Priority Priority `json:"priority"`
	Group    string   `json:"group"`
	Title    string   `json:"title"`
	Markdown string   `json:"markdown"`
	DedupKey string   `json:"dedup_key"`
	MergeKey string   `json:"merge_key"`
	Silent   bool     `json:"silent"`
}

type Status string

const (
	StatusSent          Status = "sent"
	StatusFailed        Status = "failed"
	StatusSuppressed    Status = "suppressed"
	StatusQueuedDigest  Status = "queued_digest"
	StatusMergedPending Status = "merged_pending"
)

type Result struct {
	Status  Status
	Error   error
	ErrCode int
	ErrMsg  string
}

type Config struct {
	RateLimit         RateLimitConfig
	DedupWindow       time.Duration
	MergeWindow       time.Duration
	LowDigestInterval time.Duration
	HighPriorityWait  time.Duration
}

type RateLimitConfig struct {
	PerMinute int
	Burst     int
}

// Sender delivers a markdown message. *webhook.Client implements it.
type Sender interface {
	SendMarkdown(ctx context.Context, title, markdown string) (*webhook.Response, error)
}

// Recorder persists alert outcomes. *store.Store implements it.
type Recorder interface {
	InsertAlert(rec store.AlertRecord) error
	InsertEventReturnID(rec store.EventRecord) (int64, error)
}

type Service struct {
	sender  Sender
	rec     Recorder
	cfg     Config
	limiter *rate.Limiter
	log     *logrus.Entry
	now     func() time.Time

	dedupMu sync.Mutex
	dedup   map[string]time.Time

	mergeMu sync.Mutex
	merge   map[string]*mergeState

	digestMu sync.Mutex
	digest   map[string][]AlertRequest

	stopOnce sync.Once
	stopCh   chan struct{}
}

type mergeState struct {
	alerts []AlertRequest
	timer  *time.Timer
}

func NewService(sender Sender, rec Recorder, cfg Config) *Service {
	if cfg.HighPriorityWait <= 0 {
		cfg.HighPriorityWait = 2 * time.Second
	}
	s := &Service{
		sender:  sender,
		rec:     rec,
		cfg:     cfg,
		limiter: newLimiter(cfg.RateLimit),
		log:     logger.Component("alert"),
		now:     time.Now,
		dedup:   make(map[string]time.Time),
		merge:   make(map[string]*mergeState),
		digest:  make(map[string][]AlertRequest),
		stopCh:  make(chan struct{}),
	}
	if cfg.LowDigestInterval > 0 {
		go s.runDigestLoop()
	}
	return s
}

// newLimiter returns nil when rate limiting is disabled.
func newLimiter(cfg RateLimitConfig) *rate.Limiter {
	if cfg.PerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.PerMinute
	}
	return rate.NewLimiter(rate.Limit(float64(cfg.PerMinute)/60.0), burst)
}

// Close stops the digest loop and drops pending merges.
func (s *Service) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mergeMu.Lock()
		for key, st := range s.merge {
			st.timer.Stop()
			delete(s.merge, key)
		}
		s.mergeMu.Unlock()
	})
}

func (s *Service) Handle(ctx context.Context, req AlertRequest) Result {
	req = normalize(req)
	res, payload := s.route(ctx, req)
	s.recordAlert(req, res, payload)
	metrics.AlertHandled(string(res.Status))
	if res.Error != nil {
		s.log.WithFields(logrus.Fields{
			"title":  req.Title,
			"group":  req.Group,
			"status": res.Status,
		}).WithError(res.Error).Warn("alert delivery failed")
	}
	return res
}

func (s *Service) route(ctx context.Context, req AlertRequest) (Result, string) {
	if req.Silent || s.isDeduped(req) {
		return Result{Status: StatusSuppressed}, ""
	}
	if req.MergeKey != "" && s.cfg.MergeWindow > 0 {
		s.enqueueMerge(req)
		return Result{Status: StatusMergedPending}, ""
	}
	return s.handleSendOrDigest(ctx, req)
}

func (s *Service) handleSendOrDigest(ctx context.Context, req AlertRequest) (Result, string) {
	if req.Priority == PriorityLow {
		s.addDigest(req)
		return Result{Status: StatusQueuedDigest}, ""
	}

	if s.limiter == nil || s.limiter.Allow() {
		return s.sendNow(ctx, req), req.Markdown
	}

	if req.Priority == PriorityHigh {
		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.HighPriorityWait)
		err := s.limiter.Wait(waitCtx)
		cancel()
		if err == nil {
			return s.sendNow(ctx, req), req.Markdown
		}
	}

	s.addDigest(req)
	return Result{Status: StatusQueuedDigest}, ""
}

func (s *Service) sendNow(ctx context.Context, req AlertRequest) Result {
	if s.sender == nil {
		return Result{Status: StatusFailed, Error: fmt.Errorf("push client not configured")}
	}
	resp, err := s.sender.SendMarkdown(ctx, req.Title, req.Markdown)
	if err != nil {
		return Result{Status: StatusFailed, Error: err}
	}
	if resp == nil {
		return Result{Status: StatusSent}
	}
	if resp.ErrCode != 0 {
		return Result{
			Status:  StatusFailed,
			ErrCode: resp.ErrCode,
			ErrMsg:  resp.ErrMsg,
			Error:   fmt.Errorf("webhook errcode=%d errmsg=%s", resp.ErrCode, resp.ErrMsg),
		}
	}
	return Result{Status: StatusSent}
}

func (s *Service) isDeduped(req AlertRequest) bool {
	if req.DedupKey == "" || s.cfg.DedupWindow <= 0 {
		return false
	}
	now := s.now()
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	if last, ok := s.dedup[req.DedupKey]; ok && now.Sub(last) <= s.cfg.DedupWindow {
		return true
	}
	s.dedup[req.DedupKey] = now
	return false
}

func (s *Service) enqueueMerge(req AlertRequest) {
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()
	state, ok := s.merge[req.MergeKey]
	if !ok {
		state = &mergeState{}
		s.merge[req.MergeKey] = state
		key := req.MergeKey
		state.timer = time.AfterFunc(s.cfg.MergeWindow, func() {
			s.flushMerge(key)
		})
	}
	state.alerts = append(state.alerts, req)
}

func (s *Service) flushMerge(key string) {
	s.mergeMu.Lock()
	state, ok := s.merge[key]
	if ok {
		delete(s.merge, key)
	}
	s.mergeMu.Unlock()
	if !ok || len(state.alerts) == 0 {
		return
	}

	merged := buildMerged(state.alerts)
	if merged.Silent {
		return
	}
	_ = s.Handle(context.Background(), merged)
}

func (s *Service) addDigest(req AlertRequest) {
	if s.cfg.LowDigestInterval <= 0 {
		return
	}
	s.digestMu.Lock()
	defer s.digestMu.Unlock()
	s.digest[req.Group] = append(s.digest[req.Group], req)
}

func (s *Service) runDigestLoop() {
	ticker := time.NewTicker(s.cfg.LowDigestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flushDigest(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) flushDigest(ctx context.Context) {
	groups := s.swapDigest()
	if len(groups) == 0 {
		return
	}
	if s.sender == nil {
		s.log.Warn("digest send skipped: push client not configured")
		return
	}

	resp, err := s.sender.SendMarkdown(ctx, "Low Alert Digest", buildDigestMarkdown(groups))
	if err != nil {
		s.log.WithError(err).Error("digest send failed")
		return
	}
	if resp != nil && resp.ErrCode != 0 {
		s.log.WithFields(logrus.Fields{"errcode": resp.ErrCode, "errmsg": resp.ErrMsg}).Error("digest rejected by webhook")
	}
}

func (s *Service) recordAlert(req AlertRequest, res Result, payload string) {
	if s.rec == nil {
		return
	}
	ts := s.now().Unix()
	rec := store.AlertRecord{
		TS:          ts,
		Priority:    string(req.Priority),
		GroupName:   req.Group,
		Title:       req.Title,
		DedupKey:    req.DedupKey,
		MergeKey:    req.MergeKey,
		Status:      string(res.Status),
		Channel:     "webhook",
		PushErrCode: res.ErrCode,
		PushErrMsg:  res.ErrMsg,
		PayloadMD:   payload,
	}
	if err := s.rec.InsertAlert(rec); err != nil {
		s.log.WithError(err).Error("insert alert record failed")
	}

	evt := store.EventRecord{
		TS:        ts,
		Type:      "alert",
		Severity:  string(req.Priority),
		GroupName: req.Group,
		Title:     req.Title,
		DedupKey:  req.DedupKey,
		MergeKey:  req.MergeKey,
	}
	if _, err := s.rec.InsertEventReturnID(evt); err != nil {
		s.log.WithError(err).Error("insert alert event failed")
	}
}

func (s *Service) swapDigest() map[string][]AlertRequest {
	s.digestMu.Lock()
	defer s.digestMu.Unlock()
	if len(s.digest) == 0 {
		return nil
	}
	out := s.digest
	s.digest = make(map[string][]AlertRequest)
	return out
}

func buildMerged(alerts []AlertRequest) AlertRequest {
	merged := alerts[0]
	merged.MergeKey = ""
	merged.DedupKey = ""
	merged.Priority = maxPriority(alerts)
	merged.Title = mergedTitle(alerts)
	merged.Markdown = bulletList(alerts)
	merged.Silent = allSilent(alerts)
	return merged
}

func maxPriority(alerts []AlertRequest) Priority {
	p := PriorityLow
	for _, a := range alerts {
		if rank(a.Priority) > rank(p) {
			p = a.Priority
		}
	}
	return p
}

func rank(p Priority) int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

func mergedTitle(alerts []AlertRequest) string {
	base := alerts[0].Title
	if len(alerts) == 1 {
		return base
	}
	if base == "" {
		base = "Merged Alerts"
	}
	return fmt.Sprintf("%s (+%d)", base, len(alerts)-1)
}

func bulletList(alerts []AlertRequest) string {
	var b strings.Builder
	for _, a := range alerts {
		title := a.Title
		if title == "" {
			title = "(no title)"
		}
		b.WriteString("- **")
		b.WriteString(title)
		b.WriteString("**")
		if a.Markdown != "" {
			b.WriteString("\n  ")
			b.WriteString(a.Markdown)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func buildDigestMarkdown(groups map[string][]AlertRequest) string {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, g := range keys {
		b.WriteString("### ")
		b.WriteString(g)
		b.WriteString("\n")
		b.WriteString(bulletList(groups[g]))
		b.WriteString("\n")
	}
	return b.String()
}

func allSilent(alerts []AlertRequest) bool {
	for _, a := range alerts {
		if !a.Silent {
			return false
		}
	}
	return true
}

func normalize(req AlertRequest) AlertRequest {
	if req.Priority == "" {
		req.Priority = PriorityMed
	}
	if req.Group == "" {
		req.Group = "default"
	}
	return req
}
