package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// NextRun 计算 spec 在 now 之后的下一次触发时间。
// spec 支持三种写法：纯时长("30m")、cron 的 @every/@daily 记法、
// 标准五段 cron 表达式。纯函数, 便于用注入时钟做确定性测试。
func NextRun(now time.Time, spec string) (time.Time, error) {
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty schedule spec")
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("schedule interval %q must be positive", spec)
		}
		return now.Add(d), nil
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return sched.Next(now), nil
}

// ValidSchedule 报告 spec 是否能被 NextRun 接受。
func ValidSchedule(spec string) error {
	_, err := NextRun(time.Now(), spec)
	return err
}
