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

// Package logging holds the klog verbosity levels used across the module.
package logging

const (
	// DEBUG is the verbosity for per-operation diagnostics.
	DEBUG = 4
	// TRACE is the verbosity for per-item diagnostics on hot paths.
	TRACE = 5
)
