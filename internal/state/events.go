// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package state

import "time"

// ExecutionUpdate is published whenever a run's ExecutionState changes
// (step transition, status transition, pause/resume). It carries a full
// Snapshot rather than a diff, since subscribers only ever care about the
// latest state and a dropped update is superseded by the next one.
type ExecutionUpdate struct {
	ExecutionID string
	Snapshot    Snapshot
	Timestamp   time.Time
}

// ScreenshotFrame is published by the browser driver's rate-limited
// callback while a run holds an active browser driver.
type ScreenshotFrame struct {
	ExecutionID string
	JPEGBase64  string
	Timestamp   time.Time
}
