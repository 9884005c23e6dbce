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

// Command retro builds the neighbour database and dataset, trains the
// retrieval-augmented character model, and samples from it.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ctx = klog.NewContext(ctx, klog.Background())
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		klog.FromContext(ctx).Error(err, "command failed")
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}
