package schedule

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "PulsePress/internal/errors"
)

// Entry 表示时刻表中的一条计划：某个策略在某个本地时刻执行。
type Entry struct {
	Strategy string `yaml:"strategy"`
	At       string `yaml:"at"`
}

// Timetable 按星期几组织的每周发布时刻表。
type Timetable struct {
	entries map[time.Weekday][]Entry
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// LoadTimetable 从 YAML 文件加载时刻表。顶层键为星期几的英文名，
// 值为 {strategy, at} 列表，at 使用 24 小时制 HH:MM。
func LoadTimetable(path string) (*Timetable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取时刻表文件失败",
			xerrors.WithMetadata("path", path))
	}
	return ParseTimetable(data)
}

// ParseTimetable 解析 YAML 时刻表内容。
func ParseTimetable(data []byte) (*Timetable, error) {
	var raw map[string][]Entry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "时刻表格式错误")
	}
	t := &Timetable{entries: make(map[time.Weekday][]Entry)}
	for name, entries := range raw {
		weekday, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("无法识别的星期名 %q", name))
		}
		for _, entry := range entries {
			if entry.Strategy == "" {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "时刻表条目缺少策略名")
			}
			if _, err := time.Parse("15:04", entry.At); err != nil {
				return nil, xerrors.New(xerrors.CodeInvalidArgument,
					fmt.Sprintf("时刻格式错误 %q，应为 HH:MM", entry.At))
			}
			t.entries[weekday] = append(t.entries[weekday], entry)
		}
	}
	return t, nil
}

// EntriesAt 返回在给定时刻（按分钟粒度）应当执行的条目。
func (t *Timetable) EntriesAt(now time.Time) []Entry {
	var matched []Entry
	clock := now.Format("15:04")
	for _, entry := range t.entries[now.Weekday()] {
		if entry.At == clock {
			matched = append(matched, entry)
		}
	}
	return matched
}

// Len 返回时刻表中的条目总数。
func (t *Timetable) Len() int {
	total := 0
	for _, entries := range t.entries {
		total += len(entries)
	}
	return total
}
