package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/andresmejia3/labscan/internal/api"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Verifier runs the two-phase lookup of a QR payload.
type Verifier interface {
	UpdateStatus(ctx context.Context, payload string) (*api.StatusUpdate, error)
	FetchDetail(ctx context.Context, payload string) (*api.ScanDetail, error)
}

type Confirmer interface {
	Confirm(ctx context.Context, transactionID string, req api.VerifyRequest) error
}

// Rearmer lets the capture side read the same QR code again.
type Rearmer interface {
	Rearm()
}

// Presenter receives every published snapshot, on the controller goroutine.
// Implementations must not block.
type Presenter interface {
	Present(Snapshot)
}

type Notifier interface {
	Notify(Notice)
}

type Level int

const (
	LevelSuccess Level = iota
	LevelWarning
	LevelError
	LevelInfo
)

func (l Level) String() string {
	switch l {
	case LevelSuccess:
		return "success"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	}
	return "info"
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	for lv := LevelSuccess; lv <= LevelInfo; lv++ {
		if lv.String() == string(b) {
			*l = lv
			return nil
		}
	}
	return fmt.Errorf("unknown level %q", b)
}

// Notice is a short-lived notification about a terminal transition.
type Notice struct {
	Level   Level  `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

type Deps struct {
	Verifier  Verifier
	Confirmer Confirmer // optional
	Rearmer   Rearmer   // optional
	Notifiers []Notifier
	Log       *logrus.Entry
}

type Options struct {
	Cooldown    time.Duration
	AutoReset   time.Duration
	FaceWindow  time.Duration
	ConfirmFace bool
	VerifiedBy  string
	Username    string
	Now         func() time.Time
}

var ErrStopped = errors.New("session controller stopped")

// Controller is the scan session state machine. All state changes happen on
// the goroutine started by Run; the Handle* methods only enqueue events.
type Controller struct {
	deps Deps
	opts Options
	log  *logrus.Entry
	now  func() time.Time

	events chan func()
	done   chan struct{}

	mu         sync.Mutex
	published  Snapshot
	presenters []Presenter

	// owned by the Run goroutine
	ctx          context.Context
	snap         Snapshot
	gen          uint64
	lastAccepted time.Time
	cancelCall   context.CancelFunc
	autoTimer    *time.Timer
	calls        sync.WaitGroup
}

func New(deps Deps, opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AutoReset <= 0 {
		opts.AutoReset = 10 * time.Second
	}
	if opts.FaceWindow <= 0 {
		opts.FaceWindow = 2 * time.Second
	}
	log := deps.Log
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	c := &Controller{
		deps:   deps,
		opts:   opts,
		log:    log,
		now:    opts.Now,
		events: make(chan func(), 64),
		done:   make(chan struct{}),
	}
	c.snap = Snapshot{State: Idle, UpdatedAt: c.now()}
	c.published = c.snap
	return c
}

// Subscribe adds a presenter. Call before Run.
func (c *Controller) Subscribe(p Presenter) {
	c.mu.Lock()
	c.presenters = append(c.presenters, p)
	c.mu.Unlock()
}

// Run processes events until ctx ends. In-flight calls are cancelled, timers
// are stopped and later events are dropped.
func (c *Controller) Run(ctx context.Context) error {
	c.ctx = ctx
	c.publish()

	for {
		select {
		case <-ctx.Done():
			c.gen++
			c.stopTimer()
			if c.cancelCall != nil {
				c.cancelCall()
			}
			close(c.done)
			c.calls.Wait()
			return nil
		case fn := <-c.events:
			fn()
		}
	}
}

// Wait blocks until Run has returned.
func (c *Controller) Wait() {
	<-c.done
}

// Snapshot returns the last published view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published
}

func (c *Controller) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// HandleQR is the capture loop's QR callback.
func (c *Controller) HandleQR(payload string) {
	at := c.now()
	c.post(func() { c.onQR(payload, at) })
}

// HandleFaces is the capture loop's face-count callback.
func (c *Controller) HandleFaces(count int) {
	at := c.now()
	c.post(func() {
		changed := c.snap.Faces != count || c.snap.FacesAt.IsZero()
		c.snap.Faces = count
		c.snap.FacesAt = at
		if changed {
			c.publish()
			return
		}
		// Freshness only; no need to redraw.
		c.mu.Lock()
		c.published.Faces = count
		c.published.FacesAt = at
		c.mu.Unlock()
	})
}

// HandleCameraStatus records the capture status shown beside the view.
func (c *Controller) HandleCameraStatus(status string) {
	c.post(func() {
		if c.snap.Camera == status {
			return
		}
		c.snap.Camera = status
		c.publish()
	})
}

// Reset is the manual done/retry action. It returns to Idle from any state,
// clears the debounce timestamp and re-arms the camera.
func (c *Controller) Reset() error {
	if !c.post(c.manualReset) {
		return ErrStopped
	}
	return nil
}

func (c *Controller) onQR(payload string, at time.Time) {
	log := c.log.WithField("payload", payload)
	if c.snap.State != Idle {
		log.WithField("state", c.snap.State.String()).Debug("scan ignored, session busy")
		return
	}
	if !c.lastAccepted.IsZero() && at.Sub(c.lastAccepted) < c.opts.Cooldown {
		log.WithField("since", at.Sub(c.lastAccepted)).Debug("scan ignored, cooldown")
		return
	}
	c.lastAccepted = at
	c.gen++
	gen := c.gen

	c.snap.SessionID = uuid.NewString()
	c.snap.State = VerifyingStatus
	c.snap.Payload = payload
	c.snap.Transaction = nil
	c.snap.ErrorMessage = ""
	c.publish()
	c.sessionLog().Info("scan accepted")

	callCtx, cancel := context.WithCancel(c.ctx)
	c.cancelCall = cancel
	c.calls.Add(1)
	go func() {
		defer c.calls.Done()
		defer cancel()
		c.verify(callCtx, gen, payload)
	}()
}

// verify runs off the controller goroutine. Results are posted back and
// applied only if gen is still current.
func (c *Controller) verify(ctx context.Context, gen uint64, payload string) {
	su, err := c.deps.Verifier.UpdateStatus(ctx, payload)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.post(func() { c.fail(gen, err) })
		return
	}
	if su.AllExhausted {
		c.post(func() { c.exhausted(gen, su) })
		return
	}

	if !c.post(func() { c.fetching(gen) }) {
		return
	}
	detail, err := c.deps.Verifier.FetchDetail(ctx, payload)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.post(func() { c.fail(gen, err) })
		return
	}
	c.post(func() { c.succeed(gen, su, detail) })
}

func (c *Controller) current(gen uint64) bool {
	return gen == c.gen && c.snap.State.Busy()
}

func (c *Controller) fetching(gen uint64) {
	if !c.current(gen) {
		return
	}
	c.snap.State = FetchingDetail
	c.publish()
}

func (c *Controller) fail(gen uint64, err error) {
	if !c.current(gen) {
		return
	}
	msg := FriendlyMessage(err)
	c.snap.State = Error
	c.snap.ErrorMessage = msg
	c.publish()
	c.sessionLog().WithError(err).Warn("scan failed")
	c.notify(Notice{Level: LevelError, Title: "Scan failed", Message: msg})
}

// exhausted shows the borrower and the exhausted items together with the
// error banner. It does not auto-reset.
func (c *Controller) exhausted(gen uint64, su *api.StatusUpdate) {
	if !c.current(gen) {
		return
	}
	banner := su.Message
	if banner == "" {
		banner = MsgExhausted
	}
	c.snap.State = Result
	c.snap.Transaction = &Transaction{
		ID:        su.TransactionID,
		StudentID: su.StudentID,
		NewStatus: su.NewStatus,
		Items:     Aggregate(nil, su.ExhaustedItems),
		Failed:    su.FailedItems,
	}
	c.snap.ErrorMessage = banner
	c.publish()
	c.sessionLog().WithField("items", len(su.ExhaustedItems)).Warn("all equipment exhausted")
	c.notify(Notice{Level: LevelWarning, Title: "Equipment unavailable", Message: banner})
}

func (c *Controller) succeed(gen uint64, su *api.StatusUpdate, d *api.ScanDetail) {
	if !c.current(gen) {
		return
	}
	studentID := d.StudentID
	if studentID == "" {
		studentID = su.StudentID
	}
	tx := &Transaction{
		ID:          su.TransactionID,
		StudentName: d.StudentName,
		StudentID:   studentID,
		NewStatus:   su.NewStatus,
		Items:       Aggregate(d.Lines, su.ExhaustedItems),
		Failed:      su.FailedItems,
	}
	c.snap.State = Result
	c.snap.Transaction = tx
	c.snap.ErrorMessage = ""
	c.publish()

	c.sessionLog().WithFields(logrus.Fields{
		"student": tx.StudentID,
		"items":   len(tx.Items),
		"status":  tx.NewStatus,
	}).Info("scan verified")

	who := tx.StudentName
	if who == "" {
		who = tx.StudentID
	}
	c.notify(Notice{Level: LevelSuccess, Title: "Borrowing verified", Message: fmt.Sprintf("%s, %d item(s)", who, len(tx.Items))})

	c.stopTimer()
	c.autoTimer = time.AfterFunc(c.opts.AutoReset, func() {
		c.post(func() { c.autoReset(gen) })
	})

	if c.opts.ConfirmFace && c.deps.Confirmer != nil && tx.ID != "" {
		c.confirm(gen, tx.ID)
	}
}

func (c *Controller) confirm(gen uint64, transactionID string) {
	req := api.VerifyRequest{
		IsQrVerified:   true,
		IsFaceVerified: c.snap.Faces > 0 && c.snap.FaceSignalFresh(c.now(), c.opts.FaceWindow),
		VerifiedBy:     verifiedBy(c.opts.VerifiedBy, c.opts.Username),
	}
	log := c.sessionLog().WithField("transaction", transactionID)

	ctx := c.ctx
	c.calls.Add(1)
	go func() {
		defer c.calls.Done()
		err := c.deps.Confirmer.Confirm(ctx, transactionID, req)
		if ctx.Err() != nil {
			return
		}
		c.post(func() {
			if err != nil {
				log.WithError(err).Warn("final confirmation failed")
				c.notify(Notice{Level: LevelWarning, Title: "Confirmation failed", Message: FriendlyMessage(err)})
				return
			}
			log.WithField("face", req.IsFaceVerified).Info("transaction confirmed")
			msg := "QR verified"
			if req.IsFaceVerified {
				msg = "QR and face verified"
			}
			c.notify(Notice{Level: LevelInfo, Title: "Transaction confirmed", Message: msg})
		})
	}()
}

func verifiedBy(prefix, user string) string {
	if prefix == "" {
		prefix = "Desktop"
	}
	s := prefix
	if user != "" {
		s += "-" + user
	}
	if len(s) > 30 {
		s = s[:30]
	}
	return s
}

func (c *Controller) autoReset(gen uint64) {
	if gen != c.gen || c.snap.State != Result {
		return
	}
	c.sessionLog().Debug("auto reset")
	c.toIdle()
}

func (c *Controller) manualReset() {
	c.lastAccepted = time.Time{}
	if c.snap.State == Idle {
		c.rearm()
		return
	}
	c.sessionLog().WithField("from", c.snap.State.String()).Info("manual reset")
	c.toIdle()
}

func (c *Controller) toIdle() {
	c.gen++
	c.stopTimer()
	if c.cancelCall != nil {
		c.cancelCall()
		c.cancelCall = nil
	}
	c.snap.SessionID = ""
	c.snap.State = Idle
	c.snap.Payload = ""
	c.snap.Transaction = nil
	c.snap.ErrorMessage = ""
	c.publish()
	c.rearm()
}

func (c *Controller) rearm() {
	if c.deps.Rearmer != nil {
		c.deps.Rearmer.Rearm()
	}
}

func (c *Controller) stopTimer() {
	if c.autoTimer != nil {
		c.autoTimer.Stop()
		c.autoTimer = nil
	}
}

func (c *Controller) notify(n Notice) {
	for _, nt := range c.deps.Notifiers {
		nt.Notify(n)
	}
}

func (c *Controller) publish() {
	c.snap.UpdatedAt = c.now()
	snap := c.snap
	if snap.Transaction != nil {
		tx := *snap.Transaction
		snap.Transaction = &tx
	}

	c.mu.Lock()
	c.published = snap
	presenters := c.presenters
	c.mu.Unlock()

	for _, p := range presenters {
		p.Present(snap)
	}
}

func (c *Controller) sessionLog() *logrus.Entry {
	return c.log.WithFields(logrus.Fields{"session": c.snap.SessionID, "payload": c.snap.Payload})
}
