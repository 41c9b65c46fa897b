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

package pool

import (
	"fmt"
	"strings"
)

// ValidationErrors aggregates every problem found in a request before any of
// them is reported. Validation never leaves partial state behind.
type ValidationErrors struct {
	errs []string
}

// Add records one violation against a request field.
func (v *ValidationErrors) Add(field, format string, args ...interface{}) {
	v.errs = append(v.errs, fmt.Sprintf("%s: %s", field, fmt.Sprintf(format, args...)))
}

// Any reports whether violations were collected.
func (v *ValidationErrors) Any() bool {
	return len(v.errs) > 0
}

// OrNil converts the collector into a returned error at the operation
// boundary.
func (v *ValidationErrors) OrNil() error {
	if v.Any() {
		return v
	}
	return nil
}

func (v *ValidationErrors) Error() string {
	return fmt.Sprintf("invalid request: %s", strings.Join(v.errs, "; "))
}

// Violations lists the collected messages.
func (v *ValidationErrors) Violations() []string {
	return v.errs
}

// NotFoundError means a referenced pool, member label or importable guid
// does not exist.
type NotFoundError struct {
	Kind string
	Ref  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Ref)
}

// IsNotFound reports whether an error is a NotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// OperationError reports a multi-device step that partially failed, with
// separate counts for the primary failure and any secondary cleanup failure.
type OperationError struct {
	Op            string
	Total         int
	Failed        int
	CleanupFailed int
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("%s: %d of %d devices failed", e.Op, e.Failed, e.Total)
	if e.CleanupFailed > 0 {
		msg += fmt.Sprintf(", and %d devices failed to clean up", e.CleanupFailed)
	}
	return msg
}
