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
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/suite"

	"github.com/llm-d/llm-d-retro/pkg/retro"
	"github.com/llm-d/llm-d-retro/pkg/retro/neighborcache"
	"github.com/llm-d/llm-d-retro/pkg/retro/vectorstore"
)

const corpusText = `First Citizen:
Before we proceed any further, hear me speak.

All:
Speak, speak.

First Citizen:
You are all resolved rather to die than to famish?

All:
Resolved. resolved.

First Citizen:
First, you know Caius Marcius is chief enemy to the people.

All:
We know't, we know't.

First Citizen:
Let us kill him, and we'll have corn at our own price.
Is't a verdict?
`

// PipelineSuite runs the whole experiment against a mock Redis neighbour
// cache, a persisted chromem store and a corpus served over HTTP.
type PipelineSuite struct {
	suite.Suite

	ctx       context.Context
	cancel    context.CancelFunc
	server    *miniredis.Miniredis
	corpusSrv *httptest.Server
	downloads atomic.Int32
	dir       string
}

// SetupTest starts the mock Redis and corpus servers before each test.
func (s *PipelineSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	var err error
	s.server, err = miniredis.Run()
	s.Require().NoError(err)

	s.downloads.Store(0)
	s.corpusSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.downloads.Add(1)
		_, _ = w.Write([]byte(corpusText))
	}))

	s.dir = s.T().TempDir()
}

// TearDownTest stops the servers after each test.
func (s *PipelineSuite) TearDownTest() {
	s.cancel()
	s.corpusSrv.Close()
	if s.server != nil {
		s.server.Close()
	}
}

// newConfig returns a small experiment configuration wired to the suite's
// servers and directories.
func (s *PipelineSuite) newConfig() *retro.Config {
	cfg := retro.NewDefaultConfig()
	cfg.ChunkLength = 8
	cfg.Epochs = 1
	cfg.SampleLength = 4
	cfg.SamplePrompt = "First Citizen:\n"

	cfg.CorpusConfig.DataDir = filepath.Join(s.dir, "data")
	cfg.CorpusConfig.URL = s.corpusSrv.URL

	cfg.IndexConfig.NeighborCacheConfig = &neighborcache.IndexConfig{
		RedisConfig:   &neighborcache.RedisIndexConfig{Address: s.server.Addr(), TTL: time.Hour},
		EnableMetrics: true,
	}
	cfg.IndexConfig.VectorStoreConfig = &vectorstore.Config{
		ChromemConfig: &vectorstore.ChromemConfig{
			PersistDir:  filepath.Join(s.dir, "chromem"),
			Collection:  "e2e",
			Concurrency: 2,
		},
	}

	cfg.DatasetConfig.ChunksPerSample = 2
	cfg.ModelConfig.DModel = 4
	cfg.ModelConfig.ContextWindow = 4
	cfg.ModelConfig.DHidden = 8
	cfg.TrackerConfig.Dir = filepath.Join(s.dir, "logs")

	return cfg
}

func (s *PipelineSuite) newExperiment(cfg *retro.Config) *retro.Experiment {
	e, err := retro.NewExperiment(s.ctx, cfg, nil)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = e.Close() })
	return e
}

// neighborKeys returns the neighbour cache keys in the mock Redis.
func (s *PipelineSuite) neighborKeys() []string {
	var keys []string
	for _, key := range s.server.Keys() {
		if strings.HasPrefix(key, "retro:neighbors:") {
			keys = append(keys, key)
		}
	}
	return keys
}

// TestPipelineSuite runs the PipelineSuite using testify's suite runner.
func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}
