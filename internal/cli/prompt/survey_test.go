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

package prompt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSurveyPrompterInteractiveFlag(t *testing.T) {
	assert.True(t, NewSurveyPrompter(true).IsInteractive())
	assert.False(t, NewSurveyPrompter(false).IsInteractive())
}

// Every prompt must fail fast instead of blocking when there is no
// terminal to ask on.
func TestSurveyPrompterNonInteractiveFailsFast(t *testing.T) {
	ctx := context.Background()
	sp := NewSurveyPrompter(false)

	_, err := sp.PromptString(ctx, "name", "desc", "")
	assert.ErrorIs(t, err, errNotInteractive)

	_, err = sp.PromptNumber(ctx, "ratio", "desc", 0)
	assert.ErrorIs(t, err, errNotInteractive)

	_, err = sp.PromptInt(ctx, "count", "desc", 0)
	assert.ErrorIs(t, err, errNotInteractive)

	_, err = sp.PromptBool(ctx, "force", "desc", false)
	assert.ErrorIs(t, err, errNotInteractive)

	_, err = sp.PromptEnum(ctx, "env", "desc", []string{"a"}, "")
	assert.ErrorIs(t, err, errNotInteractive)

	_, err = sp.PromptArray(ctx, "tags", "desc")
	assert.ErrorIs(t, err, errNotInteractive)

	_, err = sp.PromptObject(ctx, "meta", "desc")
	assert.ErrorIs(t, err, errNotInteractive)
}

func TestSurveyPrompterEnumRequiresOptions(t *testing.T) {
	sp := NewSurveyPrompter(true)
	_, err := sp.PromptEnum(context.Background(), "env", "desc", nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no options")
}
