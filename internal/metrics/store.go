package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/domain"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/infra"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/telemetry"
)

const dateLayout = "2006-01-02"

// DefaultRange - окно GET /metrics без параметра range.
const DefaultRange = "7d"

var ErrInvalidRange = errors.New("metrics: invalid range")

var rangeRe = regexp.MustCompile(`^(\d+)([dw])$`)

type Options struct {
	RetentionDays int
	FlushInterval time.Duration
	SweepInterval time.Duration
}

func OptionsFromConfig(cfg infra.MetricsConfig) Options {
	return Options{
		RetentionDays: cfg.RetentionDays,
		FlushInterval: cfg.FlushInterval,
		SweepInterval: cfg.SweepInterval,
	}
}

// Store - суточные счётчики в памяти с зеркалом на диске (или в БД).
// Ключ - UTC-дата; на дату не больше одной записи.
type Store struct {
	mu    sync.Mutex
	days  map[string]*domain.DailyMetrics
	users map[string]map[string]struct{} // дата -> IP; только текущие сутки

	opts    Options
	mirror  Mirror
	flusher *flusher

	flushMu   sync.Mutex
	lastErr   error
	lastFlush time.Time

	stop     chan struct{}
	wg       sync.WaitGroup
	closeOne sync.Once

	logger  *zap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

type Option func(*Store)

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore создаёт хранилище. mirror == nil - только память.
func NewStore(opts Options, mirror Mirror, logger *zap.Logger, options ...Option) *Store {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 30
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 24 * time.Hour
	}
	s := &Store{
		days:   make(map[string]*domain.DailyMetrics),
		users:  make(map[string]map[string]struct{}),
		opts:   opts,
		mirror: mirror,
		stop:   make(chan struct{}),
		logger: logger.With(zap.String("mod", "metrics")),
		now:    time.Now,
	}
	for _, o := range options {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewMetrics(nil)
	}
	if mirror != nil {
		s.flusher = newFlusher(s.Flush, opts.FlushInterval, s.logger)
	}
	return s
}

// Load поднимает состояние из зеркала. Битое или недоступное зеркало
// не мешает старту: ошибка логируется, хранилище начинает с пустого состояния.
func (s *Store) Load(ctx context.Context) {
	if s.mirror == nil {
		return
	}
	days, err := s.mirror.Load(ctx)
	if err != nil {
		s.logger.Error("metrics mirror unreadable, starting empty", zap.Error(err))
		return
	}

	s.mu.Lock()
	for date, d := range days {
		if _, err := time.Parse(dateLayout, date); err != nil {
			s.logger.Warn("skipping metrics record with bad date", zap.String("date", date))
			continue
		}
		d.Date = date
		if d.ResponseSamples == 0 && d.AvgResponseTime > 0 {
			d.ResponseSamples = d.Requests
		}
		s.days[date] = &d
	}
	loaded := len(s.days)
	s.mu.Unlock()

	s.logger.Info("metrics loaded", zap.Int("days", loaded))
}

// Start запускает фоновый сброс и периодическую чистку по retention.
// Первая чистка выполняется сразу.
func (s *Store) Start() {
	s.Prune()
	if s.flusher != nil {
		s.flusher.Start()
	}
	s.wg.Add(1)
	go s.sweeper()
}

func (s *Store) sweeper() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Prune()
		}
	}
}

// Close останавливает фоновые задачи и делает финальный сброс.
func (s *Store) Close() error {
	s.closeOne.Do(func() {
		close(s.stop)
		s.wg.Wait()
		if s.flusher != nil {
			s.flusher.Stop()
		}
	})
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.lastErr
}

func (s *Store) TrackRequest() {
	s.bump(func(d *domain.DailyMetrics) { d.Requests++ })
}

func (s *Store) TrackError() {
	s.bump(func(d *domain.DailyMetrics) { d.Errors++ })
}

func (s *Store) TrackValidation() {
	s.bump(func(d *domain.DailyMetrics) { d.Validations++ })
}

func (s *Store) TrackRuleTrigger() {
	s.bump(func(d *domain.DailyMetrics) { d.RuleTriggers++ })
}

func (s *Store) TrackTaskEvent() {
	s.bump(func(d *domain.DailyMetrics) { d.TaskEvents++ })
}

// RecordResponseTime вливает замер в скользящее среднее дня.
func (s *Store) RecordResponseTime(ms float64) {
	s.bump(func(d *domain.DailyMetrics) { foldResponseTime(d, ms) })
}

// TrackUser учитывает клиента (по IP) в уникальных пользователях дня.
// Множество IP не персистится: после рестарта посреди дня уже учтённый IP посчитается повторно (счётчик приблизительный).
func (s *Store) TrackUser(ip string) {
	if ip == "" {
		return
	}
	s.mu.Lock()
	d := s.today()
	seen := s.users[d.Date]
	_, ok := seen[ip]
	if !ok {
		seen[ip] = struct{}{}
		d.UniqueUsers++
	}
	s.mu.Unlock()
	if !ok {
		s.markDirty()
	}
}

// observe - учёт завершённого HTTP-запроса одной критической секцией.
func (s *Store) observe(status int, ms float64, ip string) {
	s.mu.Lock()
	d := s.today()
	d.Requests++
	if status >= http.StatusBadRequest {
		d.Errors++
	}
	foldResponseTime(d, ms)
	if ip != "" {
		if _, ok := s.users[d.Date][ip]; !ok {
			s.users[d.Date][ip] = struct{}{}
			d.UniqueUsers++
		}
	}
	s.mu.Unlock()
	s.markDirty()
}

func foldResponseTime(d *domain.DailyMetrics, ms float64) {
	d.ResponseSamples++
	d.AvgResponseTime += (ms - d.AvgResponseTime) / float64(d.ResponseSamples)
}

func (s *Store) bump(fn func(*domain.DailyMetrics)) {
	s.mu.Lock()
	fn(s.today())
	s.mu.Unlock()
	s.markDirty()
}

// today возвращает запись текущих суток, создавая её лениво. Вызывать под s.mu.
func (s *Store) today() *domain.DailyMetrics {
	date := s.now().UTC().Format(dateLayout)
	d, ok := s.days[date]
	if !ok {
		d = &domain.DailyMetrics{Date: date}
		s.days[date] = d
	}
	if _, ok := s.users[date]; !ok {
		// новые сутки: множества прошлых дней больше не нужны
		clear(s.users)
		s.users[date] = make(map[string]struct{})
	}
	return d
}

func (s *Store) markDirty() {
	if s.flusher != nil {
		s.flusher.Mark()
	}
}

// Query возвращает записи за хвостовое окно range ("1d", "7d", "2w" ...),
// отсортированные по дате, и сводку по дням с данными.
// Окно не шире retention: устаревшие записи не возвращаются никогда.
func (s *Store) Query(rng string) (domain.MetricsReport, error) {
	if rng == "" {
		rng = DefaultRange
	}
	days, err := ParseRange(rng)
	if err != nil {
		return domain.MetricsReport{}, err
	}
	if days > s.opts.RetentionDays {
		days = s.opts.RetentionDays
	}

	today := dayStart(s.now())
	from := today.AddDate(0, 0, -(days - 1)).Format(dateLayout)
	to := today.Format(dateLayout)

	s.mu.Lock()
	data := make([]domain.DailyMetrics, 0, days)
	for date, d := range s.days {
		if date >= from && date <= to {
			data = append(data, *d)
		}
	}
	s.mu.Unlock()

	sort.Slice(data, func(i, j int) bool { return data[i].Date < data[j].Date })
	return domain.MetricsReport{Range: rng, Data: data, Summary: summarize(data)}, nil
}

func summarize(data []domain.DailyMetrics) domain.MetricsSummary {
	sum := domain.MetricsSummary{Days: len(data)}
	var weighted float64
	var samples int64
	for _, d := range data {
		sum.TotalRequests += d.Requests
		sum.TotalErrors += d.Errors
		weighted += d.AvgResponseTime * float64(d.ResponseSamples)
		samples += d.ResponseSamples
		if sum.PeakDay == nil || d.Requests > sum.PeakDay.Requests {
			sum.PeakDay = &domain.PeakDay{Date: d.Date, Requests: d.Requests}
		}
	}
	if samples > 0 {
		sum.AvgResponseTime = weighted / float64(samples)
	}
	if sum.TotalRequests > 0 {
		sum.ErrorRate = float64(sum.TotalErrors) / float64(sum.TotalRequests)
	}
	return sum
}

// ParseRange переводит "Nd" / "Nw" в число дней.
func ParseRange(rng string) (int, error) {
	m := rangeRe.FindStringSubmatch(strings.TrimSpace(strings.ToLower(rng)))
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRange, rng)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRange, rng)
	}
	if m[2] == "w" {
		n *= 7
	}
	return n, nil
}

// Prune удаляет записи старше retention. Зеркало догоняет на ближайшем сбросе.
func (s *Store) Prune() int {
	cutoff := dayStart(s.now()).AddDate(0, 0, -(s.opts.RetentionDays - 1)).Format(dateLayout)

	s.mu.Lock()
	removed := 0
	for date := range s.days {
		if date < cutoff {
			delete(s.days, date)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Info("metrics retention sweep", zap.Int("removed", removed), zap.String("cutoff", cutoff))
		s.markDirty()
	}
	return removed
}

// Flush синхронно пишет полный снимок в зеркало.
func (s *Store) Flush(ctx context.Context) error {
	if s.mirror == nil {
		return nil
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	err := s.mirror.Save(ctx, s.snapshot())
	s.lastErr = err
	if err != nil {
		s.metrics.FlushFailures.Inc()
		return err
	}
	s.lastFlush = s.now()
	return nil
}

func (s *Store) snapshot() map[string]domain.DailyMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.DailyMetrics, len(s.days))
	for date, d := range s.days {
		out[date] = *d
	}
	return out
}

// HealthCheck - валидность хранилища: последняя запись в зеркало прошла успешно.
func (s *Store) HealthCheck(context.Context) domain.HealthCheckResult {
	s.mu.Lock()
	days := len(s.days)
	var todayRequests int64
	if d, ok := s.days[s.now().UTC().Format(dateLayout)]; ok {
		todayRequests = d.Requests
	}
	s.mu.Unlock()

	s.flushMu.Lock()
	lastErr, lastFlush := s.lastErr, s.lastFlush
	s.flushMu.Unlock()

	details := map[string]any{
		"days":          days,
		"todayRequests": todayRequests,
		"retentionDays": s.opts.RetentionDays,
		"persistent":    s.mirror != nil,
	}
	if !lastFlush.IsZero() {
		details["lastFlush"] = lastFlush.UTC().Format(time.RFC3339)
	}
	status := domain.StatusHealthy
	if lastErr != nil {
		status = domain.StatusUnhealthy
		details["error"] = lastErr.Error()
	}
	return domain.HealthCheckResult{Name: "metrics", Status: status, Details: details}
}

// Middleware считает каждый HTTP-запрос в суточных счётчиках.
func (s *Store) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ms := float64(time.Since(start).Microseconds()) / 1000
		s.observe(status, ms, remoteIP(r.RemoteAddr))
	})
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
