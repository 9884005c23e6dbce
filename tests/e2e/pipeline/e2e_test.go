/*
Copyright 2025 The llm-d Authors.

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

//nolint:testpackage // allow tests to run in the same package
package e2e

import (
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/llm-d/llm-d-retro/pkg/retro/metrics"
	"github.com/llm-d/llm-d-retro/pkg/tracking"
)

// TestTrainThenSample trains one epoch and samples from the saved
// checkpoint in a new experiment.
func (s *PipelineSuite) TestTrainThenSample() {
	cfg := s.newConfig()
	e := s.newExperiment(cfg)

	s.Require().NoError(e.Train(s.ctx))
	s.Equal(int32(1), s.downloads.Load())
	s.NotEmpty(s.neighborKeys())
	s.Positive(e.Tracker().GlobalStep())

	_, err := os.Stat(filepath.Join(cfg.CorpusConfig.DataDir, "retro_train_dataset.json"))
	s.Require().NoError(err)

	checkpoint, err := tracking.LatestCheckpoint(e.Tracker().RunDir())
	s.Require().NoError(err)

	// the corpus is on disk now and is not downloaded again
	sampler := s.newExperiment(s.newConfig())
	s.Require().NoError(sampler.LoadCheckpoint(checkpoint))
	s.Equal(int32(1), s.downloads.Load())

	sampled, err := sampler.Sample(s.ctx, "First Citizen:\n", 12)
	s.Require().NoError(err)
	s.Len([]rune(sampled), 12)
}

// TestPersistedStoreIsReused checks that a second experiment finds the
// database built by the first one.
func (s *PipelineSuite) TestPersistedStoreIsReused() {
	first := s.newExperiment(s.newConfig())
	n, err := first.BuildIndex(s.ctx)
	s.Require().NoError(err)
	s.Positive(n)

	second := s.newExperiment(s.newConfig())
	count, err := second.Index().Store().Count(s.ctx)
	s.Require().NoError(err)
	s.Equal(n, count)
}

// TestNeighbourCacheShared checks that retrievals of a second run are
// answered from the Redis cache filled by the first run.
func (s *PipelineSuite) TestNeighbourCacheShared() {
	first := s.newExperiment(s.newConfig())
	_, err := first.BuildDataset(s.ctx)
	s.Require().NoError(err)
	cached := len(s.neighborKeys())
	s.Positive(cached)

	hits := testutil.ToFloat64(metrics.LookupHits)

	second := s.newExperiment(s.newConfig())
	_, err = second.BuildDataset(s.ctx)
	s.Require().NoError(err)

	s.Len(s.neighborKeys(), cached)
	s.Greater(testutil.ToFloat64(metrics.LookupHits), hits)
}

// TestNeighbourCacheExpires checks the Redis TTL on cached candidates.
func (s *PipelineSuite) TestNeighbourCacheExpires() {
	e := s.newExperiment(s.newConfig())
	_, err := e.BuildIndex(s.ctx)
	s.Require().NoError(err)

	_, err = e.Index().Neighbors(s.ctx, []string{"First Ci"}, nil)
	s.Require().NoError(err)
	s.Len(s.neighborKeys(), 1)

	s.server.FastForward(2 * time.Hour)
	s.Empty(s.neighborKeys())
}
