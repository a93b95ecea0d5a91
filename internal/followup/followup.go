// Package followup re-engages quiet users: a one-shot nudge shortly after
// first contact, a nudge after an entitlement block, and an hourly sweep with
// quadratic backoff over the user's follow-up stage.
package followup

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/arcanalab/arcana/internal/config"
	"github.com/arcanalab/arcana/internal/oracle"
	"github.com/arcanalab/arcana/internal/store"
)

// Delay before a limit-triggered nudge goes out. Long enough that the user
// has walked away, short enough that the blocked question is still warm.
const limitFollowupDelay = 15 * time.Minute

// Sender delivers follow-up texts. Backed by the message bus in the gateway.
type Sender interface {
	SendText(chatID int64, text string)
}

// Service owns the cron entries and the one-shot timers.
type Service struct {
	cfg    *config.Config
	store  *store.Store
	oracle oracle.Client
	sender Sender
	cron   *cron.Cron

	now func() time.Time
}

func NewService(cfg *config.Config, st *store.Store, oc oracle.Client, s Sender) *Service {
	return &Service{
		cfg:    cfg,
		store:  st,
		oracle: oc,
		sender: s,
		cron:   cron.New(cron.WithSeconds()),
		now:    time.Now,
	}
}

// SetClock overrides the time source (tests only).
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Start registers the sweep and maintenance jobs and starts the scheduler.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.Followup.SweepSpec, func() { s.Sweep(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.Followup.EventPruneSpec, func() {
		if n, err := s.store.PruneEvents(); err != nil {
			log.Printf("[followup] event prune failed: %v", err)
		} else if n > 0 {
			log.Printf("[followup] pruned %d event rows", n)
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("[followup] scheduler started (sweep %q)", s.cfg.Followup.SweepSpec)
	return nil
}

func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// RequiredIgnoredDays is the backoff ladder: how many ignored days must pass
// before the next follow-up at the given stage. Grows quadratically so each
// unanswered nudge pushes the next one further out (2, 5, 11, 20, ...).
func RequiredIgnoredDays(stage int) int {
	if stage < 0 {
		stage = 0
	}
	return 2 + 3*stage*(stage+1)/2
}

// ScheduleFirstContact arms the one-shot nudge for a brand-new user. Fires
// only if nothing has been sent before, the stage is still zero, and the user
// has not been active since scheduling.
func (s *Service) ScheduleFirstContact(ctx context.Context, userID, chatID int64) {
	st, err := s.store.GetFollowupState(userID)
	if err != nil {
		log.Printf("[followup] first-contact state load failed: %v", err)
		return
	}
	if !st.LastFollowupAt.IsZero() || st.Stage > 0 {
		return
	}
	snapshot := st.LastActivityAt

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(s.cfg.Followup.FirstContactSec) * time.Second):
		}
		s.fireFirstContact(ctx, userID, chatID, snapshot)
	}()
}

func (s *Service) fireFirstContact(ctx context.Context, userID, chatID int64, snapshot time.Time) {
	st, err := s.store.GetFollowupState(userID)
	if err != nil {
		log.Printf("[followup] first-contact recheck failed: %v", err)
		return
	}
	// The user came back on their own, or another path already nudged them.
	if !st.LastFollowupAt.IsZero() || st.Stage > 0 || !st.LastActivityAt.Equal(snapshot) {
		return
	}
	s.send(ctx, userID, chatID, *st, 0)
}

// ScheduleLimitFollowup arms a nudge after an entitlement block, so the user
// hears from us once the sting of the paywall has faded.
func (s *Service) ScheduleLimitFollowup(ctx context.Context, userID, chatID int64) {
	st, err := s.store.GetFollowupState(userID)
	if err != nil {
		log.Printf("[followup] limit state load failed: %v", err)
		return
	}
	snapshot := st.LastActivityAt

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(limitFollowupDelay):
		}
		st, err := s.store.GetFollowupState(userID)
		if err != nil {
			log.Printf("[followup] limit recheck failed: %v", err)
			return
		}
		if !st.LastActivityAt.Equal(snapshot) || s.sentToday(st.LastFollowupAt) {
			return
		}
		s.send(ctx, userID, chatID, *st, daysSince(s.now(), st.LastActivityAt))
	}()
}

// Sweep walks every known user and nudges those whose silence has outgrown
// the backoff threshold for their stage. At most one follow-up per user per
// day.
func (s *Service) Sweep(ctx context.Context) {
	candidates, err := s.store.FollowupCandidates()
	if err != nil {
		log.Printf("[followup] sweep candidates failed: %v", err)
		return
	}
	now := s.now()

	for _, st := range candidates {
		if st.LastActivityAt.IsZero() {
			continue
		}
		ignoredDays := daysSince(now, st.LastActivityAt)
		if ignoredDays < RequiredIgnoredDays(st.Stage) {
			continue
		}
		if s.sentToday(st.LastFollowupAt) {
			continue
		}
		// Chat id equals user id for direct conversations.
		s.send(ctx, st.UserID, st.UserID, st, ignoredDays)
	}
}

// send generates and delivers one follow-up, then advances the stage. A
// generation failure skips this user until the next trigger, without retry.
func (s *Service) send(ctx context.Context, userID, chatID int64, st store.FollowupState, ignoredDays int) {
	ex, err := s.store.LastExchange(userID, chatID)
	if err != nil {
		log.Printf("[followup] exchange load failed for %d: %v", userID, err)
	}

	text, err := s.oracle.FollowupText(ctx, oracle.FollowupRequest{
		IgnoredDays:  ignoredDays,
		Stage:        st.Stage,
		LastTopic:    ex.Topic,
		LastUserMsg:  ex.LastUserMsg,
		LastSentText: st.LastFollowupText,
		ThemeHint:    s.store.MostFrequentTheme(userID, chatID),
	})
	if err != nil {
		log.Printf("[followup] generation failed for %d: %v", userID, err)
		return
	}
	if strings.TrimSpace(text) == "" {
		text = oracle.FallbackFollowup
	}

	s.sender.SendText(chatID, text)
	if err := s.store.MarkFollowupSent(userID, text); err != nil {
		log.Printf("[followup] mark sent failed for %d: %v", userID, err)
	}
	if err := s.store.LogEvent(userID, "followup_sent", ""); err != nil {
		log.Printf("[followup] event log failed: %v", err)
	}
}

func (s *Service) sentToday(lastFollowup time.Time) bool {
	if lastFollowup.IsZero() {
		return false
	}
	now := s.now().UTC()
	lf := lastFollowup.UTC()
	return now.Year() == lf.Year() && now.YearDay() == lf.YearDay()
}

func daysSince(now, then time.Time) int {
	if then.IsZero() {
		return 0
	}
	d := int(now.Sub(then).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}
