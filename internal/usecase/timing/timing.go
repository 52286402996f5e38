// Package timing вычисляет время публикации для слотов очереди.
// Все функции чистые и безопасны для конкурентного использования.
package timing

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"post-queue/internal/domain"
)

const (
	// MaxJitterMinutes ограничивает смещение слота в обе стороны.
	MaxJitterMinutes = 10
	// MaxPostsPerDay ограничивает число слотов в сутки.
	MaxPostsPerDay = 24

	minutesPerDay = 24 * 60
	dateLayout    = "2006-01-02"
)

var (
	// ErrInvalidSlot возвращается при номере слота вне [1, postsPerDay].
	ErrInvalidSlot = errors.New("slot out of range")
	// ErrInvalidSettings возвращается при некорректных настройках окна.
	ErrInvalidSettings = errors.New("invalid queue settings")
)

// ParseClock разбирает время суток в формате HH:MM и возвращает минуты от полуночи.
func ParseClock(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	hh, mm, ok := strings.Cut(trimmed, ":")
	if !ok || len(mm) != 2 || len(hh) == 0 || len(hh) > 2 {
		return 0, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidSettings, raw)
	}
	hours, err := strconv.Atoi(hh)
	if err != nil || hours < 0 || hours > 23 {
		return 0, fmt.Errorf("%w: hour in %q", ErrInvalidSettings, raw)
	}
	minutes, err := strconv.Atoi(mm)
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("%w: minute in %q", ErrInvalidSettings, raw)
	}
	return hours*60 + minutes, nil
}

// FormatClock печатает минуты от полуночи как HH:MM.
func FormatClock(minutes int) string {
	minutes = ((minutes % minutesPerDay) + minutesPerDay) % minutesPerDay
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// Validate проверяет настройки окна и часовой пояс.
func Validate(settings domain.QueueSettings) error {
	_, _, _, err := parseWindow(settings)
	return err
}

func parseWindow(settings domain.QueueSettings) (start, end int, loc *time.Location, err error) {
	if settings.PostsPerDay < 1 || settings.PostsPerDay > MaxPostsPerDay {
		return 0, 0, nil, fmt.Errorf("%w: posts per day must be in [1, %d], got %d", ErrInvalidSettings, MaxPostsPerDay, settings.PostsPerDay)
	}
	if start, err = ParseClock(settings.StartTime); err != nil {
		return 0, 0, nil, err
	}
	if end, err = ParseClock(settings.EndTime); err != nil {
		return 0, 0, nil, err
	}
	if end < start || (settings.PostsPerDay > 1 && end == start) {
		return 0, 0, nil, fmt.Errorf("%w: window %s-%s is empty", ErrInvalidSettings, settings.StartTime, settings.EndTime)
	}
	if strings.TrimSpace(settings.Timezone) == "" {
		return 0, 0, nil, fmt.Errorf("%w: timezone is required", ErrInvalidSettings)
	}
	loc, err = time.LoadLocation(settings.Timezone)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSettings, settings.Timezone, err)
	}
	return start, end, loc, nil
}

// BaseTimes делит окно [start, end] на postsPerDay точек, включая обе границы.
// Результат в минутах от полуночи по местному времени.
func BaseTimes(settings domain.QueueSettings) ([]int, error) {
	start, end, _, err := parseWindow(settings)
	if err != nil {
		return nil, err
	}
	return baseTimes(start, end, settings.PostsPerDay), nil
}

func baseTimes(start, end, n int) []int {
	times := make([]int, n)
	if n == 1 {
		times[0] = start
		return times
	}
	span := end - start
	for i := range times {
		times[i] = start + i*span/(n-1)
	}
	return times
}

// DailyJitter возвращает смещения в минутах для каждого слота даты.
// Значения зависят только от календарной даты и количества слотов.
func DailyJitter(date time.Time, postsPerDay int) []int {
	if postsPerDay < 1 {
		return nil
	}
	key := date.Format(dateLayout)
	offsets := make([]int, postsPerDay)
	for i := range offsets {
		offsets[i] = jitter(key, postsPerDay, i)
	}
	return offsets
}

func jitter(dateKey string, postsPerDay, index int) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(dateKey))
	_, _ = h.Write([]byte{'/'})
	_, _ = h.Write([]byte(strconv.Itoa(postsPerDay)))
	_, _ = h.Write([]byte{'/'})
	_, _ = h.Write([]byte(strconv.Itoa(index)))
	span := uint64(2*MaxJitterMinutes + 1)
	return int(h.Sum64()%span) - MaxJitterMinutes
}

// SlotInstant вычисляет абсолютный момент публикации слота и использованное смещение.
// Пересчёт в UTC выполняется на каждый вызов, поэтому переходы на летнее время учитываются.
func SlotInstant(date time.Time, slot int, settings domain.QueueSettings) (time.Time, int, error) {
	start, end, loc, err := parseWindow(settings)
	if err != nil {
		return time.Time{}, 0, err
	}
	if slot < 1 || slot > settings.PostsPerDay {
		return time.Time{}, 0, fmt.Errorf("%w: slot %d, posts per day %d", ErrInvalidSlot, slot, settings.PostsPerDay)
	}
	base := baseTimes(start, end, settings.PostsPerDay)[slot-1]
	offset := jitter(date.Format(dateLayout), settings.PostsPerDay, slot-1)
	local := time.Date(date.Year(), date.Month(), date.Day(), 0, base+offset, 0, 0, loc)
	return local.UTC(), offset, nil
}

// LocalDate возвращает календарную дату момента t в зоне loc (полночь UTC).
func LocalDate(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// AddDays сдвигает календарную дату на days дней.
func AddDays(date time.Time, days int) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day()+days, 0, 0, 0, 0, time.UTC)
}

// Location загружает часовой пояс настроек.
func Location(settings domain.QueueSettings) (*time.Location, error) {
	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSettings, settings.Timezone, err)
	}
	return loc, nil
}
