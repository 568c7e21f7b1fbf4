// Copyright Project Contour Authors
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

package gwcontext

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestChildHasOwnIDAndParentLink(t *testing.T) {
	root := New(context.Background(), testLog())
	child := root.Child()

	require.NotEqual(t, root.ID(), child.ID())
	require.Equal(t, root.ID(), child.ParentID())
	require.Equal(t, "", root.ParentID())
}

func TestCancelPropagatesToChildren(t *testing.T) {
	root := New(context.Background(), testLog())
	child := root.Child()
	grandchild := child.Child()

	require.False(t, root.Cancelled())
	require.False(t, grandchild.Cancelled())

	root.Cancel()

	require.True(t, root.Cancelled())
	require.True(t, child.Cancelled())
	require.True(t, grandchild.Cancelled())

	select {
	case <-grandchild.Done():
	default:
		t.Fatal("expected grandchild's standard context to be cancelled too")
	}
}

func TestCancelOnChildAlsoCancelsParent(t *testing.T) {
	root := New(context.Background(), testLog())
	child := root.Child()

	child.Cancel()

	require.True(t, child.Cancelled())
	require.True(t, root.Cancelled(), "the cancellation flag is shared across the whole tree by design")
}

func TestStdObservesParentCancellation(t *testing.T) {
	parentStd, cancel := context.WithCancel(context.Background())
	root := New(parentStd, testLog())
	cancel()

	select {
	case <-root.Std().Done():
	default:
		t.Fatal("expected root's standard context to observe parent cancellation")
	}
}
