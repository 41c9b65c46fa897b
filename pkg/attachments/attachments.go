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

// Package attachments enumerates the resources of other subsystems whose
// storage lives inside a pool, so teardown can cascade over them in a safe
// order.
package attachments

import (
	"fmt"
	"strings"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
)

var logger = capnslog.NewPackageLogger("github.com/zpoold/zpoold", "attachments")

// AttachmentList groups dependent resource ids by subsystem, keeping the
// order subsystems were added in.
type AttachmentList struct {
	subsystems []string
	ids        map[string][]string
}

// NewAttachmentList returns an empty list.
func NewAttachmentList() *AttachmentList {
	return &AttachmentList{ids: map[string][]string{}}
}

// Add records dependent ids under a subsystem.
func (l *AttachmentList) Add(subsystem string, ids ...string) {
	if len(ids) == 0 {
		return
	}
	if _, ok := l.ids[subsystem]; !ok {
		l.subsystems = append(l.subsystems, subsystem)
	}
	l.ids[subsystem] = append(l.ids[subsystem], ids...)
}

// Empty reports whether no subsystem has dependents.
func (l *AttachmentList) Empty() bool {
	return len(l.subsystems) == 0
}

// Subsystems returns the subsystem names in the order they were added.
func (l *AttachmentList) Subsystems() []string {
	return l.subsystems
}

// IDs returns the dependent ids of one subsystem.
func (l *AttachmentList) IDs(subsystem string) []string {
	return l.ids[subsystem]
}

// Map returns the list as a plain subsystem-to-ids map.
func (l *AttachmentList) Map() map[string][]string {
	out := make(map[string][]string, len(l.ids))
	for k, v := range l.ids {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func (l *AttachmentList) String() string {
	var parts []string
	for _, s := range l.subsystems {
		parts = append(parts, fmt.Sprintf("%s (%d)", s, len(l.ids[s])))
	}
	return strings.Join(parts, ", ")
}

// Subsystem is one external resource type that can depend on a pool.
type Subsystem interface {
	// Name identifies the subsystem in attachment listings.
	Name() string
	// Find returns the ids of resources rooted under the pool's mount path.
	Find(mountPath string) ([]string, error)
	// Delete removes one resource.
	Delete(id string) error
}

// Tracker computes attachment sets and cascades deletes over them. The
// subsystem order is fixed at construction: protocol-facing resources come
// before scheduling metadata so clients lose access before bookkeeping
// disappears.
type Tracker struct {
	subsystems []Subsystem
}

// NewTracker returns a tracker deleting in the given subsystem order.
func NewTracker(subsystems ...Subsystem) *Tracker {
	return &Tracker{subsystems: subsystems}
}

// Attachments computes the dependents of a pool mounted at mountPath. The
// set is computed fresh on every call, nothing is cached.
func (t *Tracker) Attachments(mountPath string) (*AttachmentList, error) {
	list := NewAttachmentList()
	for _, sub := range t.subsystems {
		ids, err := sub.Find(mountPath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to enumerate %s dependents", sub.Name())
		}
		list.Add(sub.Name(), ids...)
	}
	return list, nil
}

// CascadeDelete removes every dependent in the list, subsystem by subsystem
// in the tracker's fixed order.
func (t *Tracker) CascadeDelete(list *AttachmentList) error {
	for _, sub := range t.subsystems {
		for _, id := range list.IDs(sub.Name()) {
			logger.Infof("deleting %s dependent %s", sub.Name(), id)
			if err := sub.Delete(id); err != nil {
				return errors.Wrapf(err, "failed to delete %s dependent %q", sub.Name(), id)
			}
		}
	}
	return nil
}

// PathMatches reports whether a resource path is rooted inside a pool
// mounted at mountPath: either the mount path itself or anything below it.
func PathMatches(resourcePath, mountPath string) bool {
	return resourcePath == mountPath || strings.HasPrefix(resourcePath, mountPath+"/")
}
