package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper выполняет один проход сверки.
type Sweeper interface {
	Sweep(ctx context.Context) (Result, error)
}

// Runner запускает сверку по cron-расписанию.
type Runner struct {
	c       *cron.Cron
	sweeper Sweeper
	timeout time.Duration
	log     zerolog.Logger
}

// NewRunner разбирает расписание и регистрирует задачу сверки.
// Расписание принимает 5 или 6 полей, а также дескрипторы вида "@every 1m".
func NewRunner(sweeper Sweeper, spec string, timeout time.Duration, log zerolog.Logger) (*Runner, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	r := &Runner{
		sweeper: sweeper,
		timeout: timeout,
		log:     log,
	}
	r.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cron.PrintfLogger(&r.log)), cron.SkipIfStillRunning(cron.PrintfLogger(&r.log))),
	)
	if _, err := r.c.AddFunc(spec, r.runOnce); err != nil {
		return nil, fmt.Errorf("расписание сверки %q: %w", spec, err)
	}
	return r, nil
}

// Run блокируется до отмены контекста и дожидается текущего прохода.
func (r *Runner) Run(ctx context.Context) {
	r.c.Start()
	r.log.Info().Msg("reconcile: планировщик запущен")
	<-ctx.Done()
	<-r.c.Stop().Done()
	r.log.Info().Msg("reconcile: планировщик остановлен")
}

func (r *Runner) runOnce() {
	ctx := context.Background()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	start := time.Now()
	res, err := r.sweeper.Sweep(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("reconcile: проход завершился ошибкой")
		return
	}
	r.log.Debug().
		Int("redispatched", res.Redispatched).
		Int("pending", res.StillPending).
		Int("interrupted", res.Interrupted).
		Int("overdue", res.Overdue).
		Dur("took", time.Since(start)).
		Msg("reconcile: проход завершён")
}

// Locker выполняет функцию не чаще одного раза за ttl среди всех реплик.
type Locker interface {
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}

type exclusiveSweeper struct {
	next   Sweeper
	locker Locker
	key    string
	ttl    time.Duration
}

// Exclusive оборачивает сверку так, чтобы в одном окне ttl её выполняла одна реплика.
func Exclusive(next Sweeper, locker Locker, key string, ttl time.Duration) Sweeper {
	return &exclusiveSweeper{next: next, locker: locker, key: key, ttl: ttl}
}

func (s *exclusiveSweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	err := s.locker.Once(ctx, s.key, s.ttl, func() error {
		var err error
		res, err = s.next.Sweep(ctx)
		return err
	})
	return res, err
}
