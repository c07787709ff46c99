package scheduler

import (
	"testing"
	"time"
)

func TestNextRunIsPure(t *testing.T) {
	now := time.Date(2026, 5, 10, 14, 30, 0, 0, time.UTC)

	cases := []struct {
		spec string
		want time.Time
	}{
		{"30m", now.Add(30 * time.Minute)},
		{"2h", now.Add(2 * time.Hour)},
		{"@every 15m", now.Add(15 * time.Minute)},
		// 每天凌晨 3 点。
		{"0 3 * * *", time.Date(2026, 5, 11, 3, 0, 0, 0, time.UTC)},
		// 每小时整点。
		{"0 * * * *", time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		got, err := NextRun(now, c.spec)
		if err != nil {
			t.Fatalf("NextRun(%q) 报错: %v", c.spec, err)
		}
		if !got.Equal(c.want) {
			t.Fatalf("NextRun(%q) = %v, 期望 %v", c.spec, got, c.want)
		}

		// 同样输入必须给出同样输出。
		again, _ := NextRun(now, c.spec)
		if !again.Equal(got) {
			t.Fatalf("NextRun(%q) 不是纯函数: %v != %v", c.spec, again, got)
		}
	}
}

func TestNextRunRejectsInvalidSpecs(t *testing.T) {
	now := time.Now()
	for _, spec := range []string{"", "-5m", "0m", "not a schedule", "* * *"} {
		if _, err := NextRun(now, spec); err == nil {
			t.Fatalf("NextRun(%q) 应报错", spec)
		}
	}
}
