package processor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderString(t *testing.T) {
	matchData := func(score float64) map[string]interface{} {
		return map[string]interface{}{
			"recipient": map[string]interface{}{"firstName": "Sam"},
			"match": map[string]interface{}{
				"firstName":  "Priya",
				"matchScore": score,
			},
		}
	}

	t.Run("conditional true includes block", func(t *testing.T) {
		out, err := RenderString("Hi {recipient.firstName}, {% if match.matchScore >= 90 %}HOT MATCH {% endif %}you matched with {match.firstName}", matchData(92))
		require.NoError(t, err)
		assert.Equal(t, "Hi Sam, HOT MATCH you matched with Priya", out)
	})

	t.Run("conditional false drops block", func(t *testing.T) {
		out, err := RenderString("Hi {recipient.firstName}, {% if match.matchScore >= 90 %}HOT MATCH {% endif %}you matched with {match.firstName}", matchData(75))
		require.NoError(t, err)
		assert.Equal(t, "Hi Sam, you matched with Priya", out)
	})

	t.Run("boundary is inclusive for >=", func(t *testing.T) {
		out, err := RenderString("{% if match.matchScore >= 90 %}hot{% endif %}", matchData(90))
		require.NoError(t, err)
		assert.Equal(t, "hot", out)
	})

	t.Run("tokens inside a false block are never resolved", func(t *testing.T) {
		out, err := RenderString("{% if viewer.premium %}it was {viewer.firstName}{% endif %}done", map[string]interface{}{})
		require.NoError(t, err)
		assert.Equal(t, "done", out)
	})

	t.Run("missing variable fails the render", func(t *testing.T) {
		_, err := RenderString("Hi {recipient.firstName}", map[string]interface{}{})
		assert.ErrorIs(t, err, ErrMissingVariable)
	})

	t.Run("unbalanced conditional is malformed", func(t *testing.T) {
		_, err := RenderString("{% if x %}oops", map[string]interface{}{"x": true})
		assert.ErrorIs(t, err, ErrMalformedTemplate)
	})

	t.Run("empty condition is malformed", func(t *testing.T) {
		_, err := RenderString("{% if %}a{% endif %}", nil)
		assert.ErrorIs(t, err, ErrMalformedTemplate)
	})

	t.Run("unresolved condition path is false not an error", func(t *testing.T) {
		out, err := RenderString("a{% if nothing.here >= 5 %}b{% endif %}c", map[string]interface{}{})
		require.NoError(t, err)
		assert.Equal(t, "abc", out)
	})

	t.Run("string equality with quoted literal", func(t *testing.T) {
		data := map[string]interface{}{"plan": "premium"}
		out, err := RenderString(`{% if plan == "premium" %}star{% endif %}`, data)
		require.NoError(t, err)
		assert.Equal(t, "star", out)

		out, err = RenderString(`{% if plan == "free" %}star{% endif %}`, data)
		require.NoError(t, err)
		assert.Equal(t, "", out)
	})

	t.Run("bare truthiness", func(t *testing.T) {
		out, err := RenderString("{% if verified %}ok{% endif %}", map[string]interface{}{"verified": true})
		require.NoError(t, err)
		assert.Equal(t, "ok", out)

		out, err = RenderString("{% if verified %}ok{% endif %}", map[string]interface{}{"verified": false})
		require.NoError(t, err)
		assert.Equal(t, "", out)
	})

	t.Run("whole floats print without decimal point", func(t *testing.T) {
		out, err := RenderString("score {score}", map[string]interface{}{"score": float64(87)})
		require.NoError(t, err)
		assert.Equal(t, "score 87", out)
	})

	t.Run("fractional floats keep the fraction", func(t *testing.T) {
		out, err := RenderString("score {score}", map[string]interface{}{"score": 87.5})
		require.NoError(t, err)
		assert.Equal(t, "score 87.5", out)
	})

	t.Run("multiple conditionals in one template", func(t *testing.T) {
		data := map[string]interface{}{"a": true, "b": false}
		out, err := RenderString("{% if a %}A{% endif %}-{% if b %}B{% endif %}", data)
		require.NoError(t, err)
		assert.Equal(t, "A-", out)
	})
}

func TestTruncateAtWordBoundary(t *testing.T) {
	t.Run("short strings pass through", func(t *testing.T) {
		out, truncated := TruncateAtWordBoundary("hello world", 160)
		assert.False(t, truncated)
		assert.Equal(t, "hello world", out)
	})

	t.Run("cuts at the last word boundary that fits", func(t *testing.T) {
		out, truncated := TruncateAtWordBoundary("the quick brown fox jumps over the lazy dog", 20)
		assert.True(t, truncated)
		assert.Equal(t, "the quick brown...", out)
		assert.LessOrEqual(t, len([]rune(out)), 20)
	})

	t.Run("respects SMS length of 160", func(t *testing.T) {
		long := ""
		for i := 0; i < 40; i++ {
			long += "word "
		}
		out, truncated := TruncateAtWordBoundary(long, 160)
		assert.True(t, truncated)
		assert.LessOrEqual(t, len([]rune(out)), 160)
		assert.Equal(t, "...", out[len(out)-3:])
	})

	t.Run("no boundary falls back to a hard cut", func(t *testing.T) {
		out, truncated := TruncateAtWordBoundary("abcdefghijklmnopqrstuvwxyz", 10)
		assert.True(t, truncated)
		assert.LessOrEqual(t, len([]rune(out)), 10)
	})

	t.Run("zero max length disables truncation", func(t *testing.T) {
		out, truncated := TruncateAtWordBoundary("anything at all", 0)
		assert.False(t, truncated)
		assert.Equal(t, "anything at all", out)
	})
}
