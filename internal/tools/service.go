// Package tools implements the FCU portal tools: log in, read upcoming
// iLearn events, read the MyFCU course list, and log out.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ahrdadan/fcumcp/internal/browser"
	"github.com/ahrdadan/fcumcp/internal/events"
	"github.com/ahrdadan/fcumcp/internal/portal"
	"github.com/ahrdadan/fcumcp/internal/session"
)

// Portal failures reported to callers. MCP clients show these messages
// verbatim, so they keep their sentence case.
var (
	ErrILearnNotLoggedIn = errors.New("User iLearn is not logged in")
	ErrMyFCUNotLoggedIn  = errors.New("User MyFCU is not logged in")
	ErrILearnLogin       = errors.New("Invalid iLearn username or password")
	ErrMyFCULogin        = errors.New("Invalid MyFCU username or password")
)

// ILearn is the learning-management portal.
type ILearn interface {
	Login(ctx context.Context, b browser.PageOpener, username, password string) (bool, error)
	IsLoggedIn(ctx context.Context, b browser.PageOpener) bool
	FutureEvents(ctx context.Context, b browser.PageOpener) ([]portal.Event, error)
}

// MyFCU is the student-information portal.
type MyFCU interface {
	Login(ctx context.Context, b browser.PageOpener, username, password string) (bool, error)
	IsLoggedIn(ctx context.Context, b browser.PageOpener) bool
	CourseList(ctx context.Context, b browser.PageOpener, year, semester int) (json.RawMessage, error)
}

// Sessions hands out per-user browsers.
type Sessions interface {
	Get(ctx context.Context, userID string) (*session.Session, error)
	Lookup(userID string) (*session.Session, bool)
	Close(userID string) (bool, error)
}

// Publisher receives an event for every tool call.
type Publisher interface {
	Publish(ctx context.Context, event events.Event)
}

// Recorder receives call counts and latencies.
type Recorder interface {
	ObserveToolCall(tool, status string, took time.Duration)
}

// Envelope is the JSON document every tool returns.
type Envelope struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Events  interface{} `json:"events,omitempty"`
	Courses interface{} `json:"courses,omitempty"`
}

// IsError reports whether the envelope carries a failure.
func (e Envelope) IsError() bool {
	return e.Status == events.StatusError
}

func success(message string) Envelope {
	return Envelope{Status: events.StatusSuccess, Message: message}
}

func failure(err error) Envelope {
	return Envelope{Status: events.StatusError, Message: err.Error()}
}

// Service runs the tools against the portals.
type Service struct {
	sessions  Sessions
	ilearn    ILearn
	myfcu     MyFCU
	publisher Publisher
	recorder  Recorder
	logger    *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sends tool events to p.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithRecorder sends call metrics to r.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// NewService creates a tool service.
func NewService(sessions Sessions, ilearn ILearn, myfcu MyFCU, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		sessions: sessions,
		ilearn:   ilearn,
		myfcu:    myfcu,
		logger:   logger.Named("tools"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login signs the user in to whichever portals are not already live.
func (s *Service) Login(ctx context.Context, username, password string) Envelope {
	return s.run(ctx, "login", username, func(ctx context.Context) (Envelope, error) {
		_, existed := s.sessions.Lookup(username)

		sess, err := s.sessions.Get(ctx, username)
		if err != nil {
			return Envelope{}, err
		}
		sess.Lock()
		defer sess.Unlock()

		b := sess.Browser()

		var ilearnLive, myfcuLive bool
		if existed {
			ilearnLive, myfcuLive = s.liveness(ctx, b)
		}

		if ilearnLive && myfcuLive {
			return success(fmt.Sprintf("User %s is already logged in to both iLearn and MyFCU", username)), nil
		}

		if !ilearnLive {
			s.logger.Info("logging in to iLearn", zap.String("user", username))
			ok, err := s.ilearn.Login(ctx, b, username, password)
			if err != nil {
				s.logger.Warn("iLearn login failed", zap.String("user", username), zap.Error(err))
			}
			if !ok {
				return Envelope{}, ErrILearnLogin
			}
			s.logger.Info("logged in to iLearn", zap.String("user", username))
		}

		if !myfcuLive {
			s.logger.Info("logging in to MyFCU", zap.String("user", username))
			ok, err := s.myfcu.Login(ctx, b, username, password)
			if err != nil {
				s.logger.Warn("MyFCU login failed", zap.String("user", username), zap.Error(err))
			}
			if !ok {
				return Envelope{}, ErrMyFCULogin
			}
			s.logger.Info("logged in to MyFCU", zap.String("user", username))
		}

		return success(fmt.Sprintf("User %s logged in to both iLearn and MyFCU successfully", username)), nil
	})
}

// liveness checks both portals at once on separate pages of the same browser.
func (s *Service) liveness(ctx context.Context, b browser.PageOpener) (ilearnLive, myfcuLive bool) {
	var g errgroup.Group
	g.Go(func() error {
		ilearnLive = s.ilearn.IsLoggedIn(ctx, b)
		return nil
	})
	g.Go(func() error {
		myfcuLive = s.myfcu.IsLoggedIn(ctx, b)
		return nil
	})
	_ = g.Wait()
	return ilearnLive, myfcuLive
}

// FutureEvents returns the upcoming iLearn events of a logged-in user.
func (s *Service) FutureEvents(ctx context.Context, username string) Envelope {
	return s.run(ctx, "get_future_events", username, func(ctx context.Context) (Envelope, error) {
		sess, ok := s.sessions.Lookup(username)
		if !ok {
			return Envelope{}, ErrILearnNotLoggedIn
		}
		sess.Lock()
		defer sess.Unlock()

		b := sess.Browser()
		if !s.ilearn.IsLoggedIn(ctx, b) {
			return Envelope{}, ErrILearnNotLoggedIn
		}

		list, err := s.ilearn.FutureEvents(ctx, b)
		if err != nil {
			return Envelope{}, err
		}
		if list == nil {
			list = []portal.Event{}
		}
		s.logger.Info("fetched future events", zap.String("user", username), zap.Int("count", len(list)))
		return Envelope{Status: events.StatusSuccess, Events: list}, nil
	})
}

// CourseList returns the MyFCU timetable courses of a logged-in user.
func (s *Service) CourseList(ctx context.Context, username string, year, semester int) Envelope {
	return s.run(ctx, "get_course_list", username, func(ctx context.Context) (Envelope, error) {
		sess, ok := s.sessions.Lookup(username)
		if !ok {
			return Envelope{}, ErrMyFCUNotLoggedIn
		}
		sess.Lock()
		defer sess.Unlock()

		b := sess.Browser()
		if !s.myfcu.IsLoggedIn(ctx, b) {
			return Envelope{}, ErrMyFCUNotLoggedIn
		}

		courses, err := s.myfcu.CourseList(ctx, b, year, semester)
		if err != nil {
			return Envelope{}, err
		}
		if len(courses) == 0 {
			courses = json.RawMessage("[]")
		}
		s.logger.Info("fetched course list",
			zap.String("user", username),
			zap.Int("year", year),
			zap.Int("semester", semester),
			zap.Int("bytes", len(courses)))
		return Envelope{Status: events.StatusSuccess, Courses: courses}, nil
	})
}

// Logout closes the user's browser, dropping both portal sessions.
func (s *Service) Logout(ctx context.Context, username string) Envelope {
	return s.run(ctx, "logout", username, func(context.Context) (Envelope, error) {
		existed, err := s.sessions.Close(username)
		if err != nil {
			return Envelope{}, err
		}
		if !existed {
			return success(fmt.Sprintf("User %s has no active session", username)), nil
		}
		return success(fmt.Sprintf("User %s logged out", username)), nil
	})
}

// run times fn, turns its error into an error envelope, then reports the call.
func (s *Service) run(ctx context.Context, tool, username string, fn func(context.Context) (Envelope, error)) Envelope {
	start := time.Now()

	env, err := fn(ctx)
	if err != nil {
		s.logger.Error("tool failed",
			zap.String("tool", tool),
			zap.String("user", username),
			zap.Error(err))
		env = failure(err)
	}

	took := time.Since(start)
	if s.recorder != nil {
		s.recorder.ObserveToolCall(tool, env.Status, took)
	}
	if s.publisher != nil {
		s.publisher.Publish(ctx, events.NewEvent(tool, username, env.Status, env.Message, took))
	}
	return env
}
