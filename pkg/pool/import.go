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
	"context"

	"github.com/google/uuid"

	"github.com/zpoold/zpoold/pkg/job"
	"github.com/zpoold/zpoold/pkg/registry"
	"github.com/zpoold/zpoold/pkg/zpool"
)

// ImportFind scans attached disks for pools that could be imported,
// filtering out pools that are already registered.
func (s *Service) ImportFind() ([]zpool.ImportablePool, error) {
	candidates, err := zpool.FindImport(s.context.GetExecutor())
	if err != nil {
		return nil, err
	}

	registered, err := s.registry.ListPools()
	if err != nil {
		return nil, err
	}
	known := map[string]bool{}
	for _, rec := range registered {
		known[rec.GUID] = true
	}

	var out []zpool.ImportablePool
	for _, c := range candidates {
		if !known[c.GUID] {
			out = append(out, c)
		}
	}
	return out, nil
}

// ImportRequest brings a discovered pool into the system. Name renames the
// pool on import; Key is uploaded key material for an encrypted pool.
type ImportRequest struct {
	GUID string
	Name string
	Key  []byte
}

// Import registers and imports a discovered pool as a background job. The
// job result is the imported *Pool.
func (s *Service) Import(req ImportRequest) *job.Job {
	return s.jobs.Run("pool.import", "import_pool", func(ctx context.Context, j *job.Job) (interface{}, error) {
		return s.doImport(ctx, j, req)
	})
}

func (s *Service) doImport(ctx context.Context, j *job.Job, req ImportRequest) (result *Pool, retErr error) {
	j.SetProgress(5, "scanning for importable pools")
	candidates, err := s.ImportFind()
	if err != nil {
		return nil, err
	}
	var candidate *zpool.ImportablePool
	for i := range candidates {
		if candidates[i].GUID == req.GUID {
			candidate = &candidates[i]
			break
		}
	}
	if candidate == nil {
		return nil, &NotFoundError{Kind: "importable pool", Ref: req.GUID}
	}

	name := req.Name
	if name == "" {
		name = candidate.Name
	}
	v := &ValidationErrors{}
	if existing, err := s.registry.GetPoolByName(name); err != nil {
		return nil, err
	} else if existing != nil {
		v.Add("name", "a pool named %q already exists", name)
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	rec := &registry.PoolRecord{ID: uuid.New().String(), Name: name, GUID: req.GUID}
	keySaved := false
	if len(req.Key) > 0 {
		keyPath, err := s.enc.SaveKey(rec.ID, req.Key)
		if err != nil {
			return nil, err
		}
		keySaved = true
		rec.Encryption = registry.EncryptionKeyfile
		rec.KeyPath = keyPath
	}

	// the registry row and scan policy exist before the import runs; a
	// failed import removes them again together with any uploaded key
	j.SetProgress(20, "registering pool")
	if err := s.registry.CreatePool(rec); err != nil {
		if keySaved {
			if rmErr := s.enc.RemoveKey(rec.ID); rmErr != nil {
				logger.Errorf("rollback: failed to remove uploaded key: %v", rmErr)
			}
		}
		return nil, err
	}
	if err := s.registry.SetResilverPolicy(rec.ID, registry.DefaultResilverPolicy()); err != nil {
		return nil, err
	}
	defer func() {
		if retErr == nil {
			return
		}
		if err := s.registry.DeletePool(rec.ID); err != nil {
			logger.Errorf("rollback: failed to remove registry row of %s: %v", name, err)
		}
		if keySaved {
			if err := s.enc.RemoveKey(rec.ID); err != nil {
				logger.Errorf("rollback: failed to remove uploaded key: %v", err)
			}
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	j.SetProgress(50, "importing pool")
	if err := zpool.Import(s.context.GetExecutor(), req.GUID, name, s.context.MountRoot); err != nil {
		return nil, err
	}

	j.SetProgress(80, "reconciling encrypted members")
	if err := s.SyncEncrypted(rec.ID); err != nil {
		logger.Warningf("failed to reconcile encrypted members of %s: %v", name, err)
	}

	s.publish("pool.changed", map[string]string{"pool": rec.ID, "op": "import"})
	return s.view(rec)
}
