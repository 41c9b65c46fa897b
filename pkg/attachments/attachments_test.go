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

package attachments

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zpoold/zpoold/pkg/util/kvstore"
)

func TestPathMatches(t *testing.T) {
	assert.True(t, PathMatches("/mnt/tank", "/mnt/tank"))
	assert.True(t, PathMatches("/mnt/tank/media", "/mnt/tank"))
	assert.False(t, PathMatches("/mnt/tankette", "/mnt/tank"))
	assert.False(t, PathMatches("/mnt/dozer", "/mnt/tank"))
}

func seedPath(t *testing.T, store kvstore.KeyValueStore, storeName, id, path string) {
	t.Helper()
	require.NoError(t, store.SetValue(storeName, id, fmt.Sprintf("path: %s\n", path)))
}

type fakeVM struct {
	devices map[string][]string
	deleted []string
	stopped []string
}

func (f *fakeVM) DevicesOnPool(mountPath string) ([]string, error) {
	return f.devices[mountPath], nil
}

func (f *fakeVM) DeleteDevice(id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeVM) StopWorkloads(mountPath string) error {
	f.stopped = append(f.stopped, mountPath)
	return nil
}

func TestAttachments(t *testing.T) {
	store := kvstore.NewMemoryStore()
	seedPath(t, store, SubsystemShares, "share1", "/mnt/tank/media")
	seedPath(t, store, SubsystemShares, "share2", "/mnt/tank")
	seedPath(t, store, SubsystemShares, "share3", "/mnt/dozer/media")
	seedPath(t, store, SubsystemReplication, "repl1", "/mnt/tank/backups")
	vm := &fakeVM{devices: map[string][]string{"/mnt/tank": {"vmdev1"}}}

	tracker := NewDefaultTracker(store, vm)
	list, err := tracker.Attachments("/mnt/tank")
	require.NoError(t, err)

	assert.Equal(t, []string{SubsystemShares, SubsystemReplication, SubsystemVMDevices}, list.Subsystems())
	assert.Equal(t, []string{"share1", "share2"}, list.IDs(SubsystemShares))
	assert.Equal(t, []string{"repl1"}, list.IDs(SubsystemReplication))
	assert.Equal(t, []string{"vmdev1"}, list.IDs(SubsystemVMDevices))
	assert.False(t, list.Empty())
}

func TestAttachmentsEmpty(t *testing.T) {
	tracker := NewDefaultTracker(kvstore.NewMemoryStore(), &fakeVM{})
	list, err := tracker.Attachments("/mnt/tank")
	require.NoError(t, err)
	assert.True(t, list.Empty())
}

// orderedSubsystem records the order deletes happen in across subsystems.
type orderedSubsystem struct {
	name    string
	ids     []string
	deleted *[]string
}

func (o *orderedSubsystem) Name() string { return o.name }

func (o *orderedSubsystem) Find(string) ([]string, error) { return o.ids, nil }

func (o *orderedSubsystem) Delete(id string) error {
	*o.deleted = append(*o.deleted, o.name+":"+id)
	return nil
}

func TestCascadeDeleteOrder(t *testing.T) {
	var deleted []string
	tracker := NewTracker(
		&orderedSubsystem{name: SubsystemShares, ids: []string{"s1"}, deleted: &deleted},
		&orderedSubsystem{name: SubsystemExtents, ids: []string{"e1"}, deleted: &deleted},
		&orderedSubsystem{name: SubsystemSnapshots, ids: []string{"t1"}, deleted: &deleted},
		&orderedSubsystem{name: SubsystemReplication, ids: []string{"r1"}, deleted: &deleted},
		&orderedSubsystem{name: SubsystemVMDevices, ids: []string{"v1"}, deleted: &deleted},
	)

	list, err := tracker.Attachments("/mnt/tank")
	require.NoError(t, err)
	require.NoError(t, tracker.CascadeDelete(list))

	// protocol-facing resources go before scheduling metadata
	assert.Equal(t, []string{
		"shares:s1", "extents:e1", "snapshot_tasks:t1", "replication_tasks:r1", "vm_devices:v1",
	}, deleted)
}

func TestCascadeDeleteStoreBacked(t *testing.T) {
	store := kvstore.NewMemoryStore()
	seedPath(t, store, SubsystemShares, "share1", "/mnt/tank/media")
	seedPath(t, store, SubsystemShares, "keep", "/mnt/dozer")
	vm := &fakeVM{}

	tracker := NewDefaultTracker(store, vm)
	list, err := tracker.Attachments("/mnt/tank")
	require.NoError(t, err)
	require.NoError(t, tracker.CascadeDelete(list))

	_, err = store.GetValue(SubsystemShares, "share1")
	assert.True(t, kvstore.IsNotExist(err))
	_, err = store.GetValue(SubsystemShares, "keep")
	assert.NoError(t, err)
}
