/*
Copyright 2018 The Zpoold Authors. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package resilver decides when background scans may hog the disks. A
// per-pool policy declares a time-of-day window on chosen weekdays; inside
// the window scans run with aggressive throttle settings, outside it they
// yield to foreground io.
package resilver

import (
	"strconv"
	"strings"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/zpoold/zpoold/pkg/registry"
)

var logger = capnslog.NewPackageLogger("github.com/zpoold/zpoold", "resilver")

// Profile is one setting of the three coupled scan throttle tunables. Only
// the two fixed profiles below exist, there are no intermediate values.
type Profile struct {
	Delay   int
	MinTime int
	Idle    int
}

var (
	// Aggressive lets the scan saturate the disks.
	Aggressive = Profile{Delay: 0, MinTime: 9000, Idle: 0}
	// Background keeps the scan out of the way of foreground io.
	Background = Profile{Delay: 2, MinTime: 3000, Idle: 50}
)

// ShouldBoost evaluates a policy at a point in time. Weekdays count
// 1=Monday through 7=Sunday. A window whose begin is later than its end
// crosses midnight: it covers begin..24:00 of an active weekday plus
// 00:00..end of the following day.
func ShouldBoost(now time.Time, policy registry.ResilverPolicy) bool {
	if !policy.Enabled || len(policy.Weekdays) == 0 {
		return false
	}

	begin, err := parseTimeOfDay(policy.Begin)
	if err != nil {
		logger.Warningf("bad begin time in scan policy: %v", err)
		return false
	}
	end, err := parseTimeOfDay(policy.End)
	if err != nil {
		logger.Warningf("bad end time in scan policy: %v", err)
		return false
	}

	weekday := isoWeekday(now)
	minute := now.Hour()*60 + now.Minute()

	if begin <= end {
		return activeOn(policy.Weekdays, weekday) && minute >= begin && minute < end
	}
	if activeOn(policy.Weekdays, weekday) && minute >= begin {
		return true
	}
	return activeOn(policy.Weekdays, previousWeekday(weekday)) && minute < end
}

// isoWeekday maps a time to 1=Monday..7=Sunday.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// previousWeekday wraps Monday back to Sunday.
func previousWeekday(weekday int) int {
	if weekday == 1 {
		return 7
	}
	return weekday - 1
}

func activeOn(weekdays []int, weekday int) bool {
	for _, d := range weekdays {
		if d == weekday {
			return true
		}
	}
	return false
}

// parseTimeOfDay converts "HH:MM" to minutes since midnight.
func parseTimeOfDay(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, errors.Errorf("%q is not a HH:MM time", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, errors.Errorf("%q is not a HH:MM time", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, errors.Errorf("%q is not a HH:MM time", s)
	}
	return hour*60 + minute, nil
}
