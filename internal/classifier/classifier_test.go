package classifier

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/oraflow/mend/api/schemas"
)

func writeProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, rel := range []string{"lib/main.dart", "lib/widgets/profile_card.dart", "lib/services/api_client.dart"} {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("// dart\n"), 0o644))
	}
	// Trees the fallback search must ignore.
	shadow := filepath.Join(root, "build", "lib")
	require.NoError(t, os.MkdirAll(shadow, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(shadow, "main.dart"), []byte("// generated\n"), 0o644))
	return root
}

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	return New(zaptest.NewLogger(t), writeProject(t), 50)
}

func TestClassify_CompilerDiagnostics(t *testing.T) {
	t.Parallel()
	c := newTestClassifier(t)

	cases := []struct {
		name string
		line string
	}{
		{"colon form", "lib/main.dart:6:70: Error: Expected ';' after this."},
		{"paren form", "lib/main.dart(6,70): error E001: Expected ';' after this."},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			event, ok := c.Classify(schemas.SourceStdout, tc.line)
			require.True(t, ok)
			assert.Equal(t, schemas.ClassCompilation, event.Classification)
			assert.Equal(t, schemas.SeverityCritical, event.Severity)
			assert.Equal(t, "lib/main.dart", event.FilePath)
			assert.Equal(t, 6, event.Line)
			assert.Equal(t, 70, event.Column)
			assert.Equal(t, "Expected ';' after this.", event.Message)
		})
	}
}

func TestClassify_RuntimeExceptionWithStackFrame(t *testing.T) {
	t.Parallel()
	c := newTestClassifier(t)

	event, ok := c.Classify(schemas.SourceStderr, "Unhandled exception: NoSuchMethodError: The getter 'name' was called on null.")
	require.True(t, ok)
	assert.Equal(t, schemas.ClassRuntime, event.Classification)
	assert.Empty(t, event.FilePath)

	event, ok = c.Classify(schemas.SourceStderr, "#0      ProfileCard.build (package:myapp/widgets/profile_card.dart:24:18)")
	require.True(t, ok)
	assert.Equal(t, schemas.ClassRuntime, event.Classification)
	assert.Equal(t, "lib/widgets/profile_card.dart", event.FilePath)
	assert.Equal(t, 24, event.Line)
}

func TestClassify_UIOverflow(t *testing.T) {
	t.Parallel()
	c := newTestClassifier(t)

	event, ok := c.Classify(schemas.SourceStdout,
		"A RenderFlex overflowed by 42.3 pixels on the bottom. Relevant widget: lib/main.dart:12:9")
	require.True(t, ok)
	assert.Equal(t, schemas.ClassUIOverflow, event.Classification)
	assert.Equal(t, schemas.SeverityMedium, event.Severity)
	assert.Equal(t, "lib/main.dart", event.FilePath)
	assert.Equal(t, 12, event.Line)
}

func TestClassify_MissingAsset(t *testing.T) {
	t.Parallel()
	c := newTestClassifier(t)

	event, ok := c.Classify(schemas.SourceStderr, `Unable to load asset: "assets/images/logo.png"`)
	require.True(t, ok)
	assert.Equal(t, schemas.ClassMissingAsset, event.Classification)
	assert.Equal(t, schemas.SeverityHigh, event.Severity)
}

func TestClassify_Dependency(t *testing.T) {
	t.Parallel()
	c := newTestClassifier(t)

	event, ok := c.Classify(schemas.SourceStderr, "Because myapp depends on http any which doesn't exist, version solving failed.")
	require.True(t, ok)
	assert.Equal(t, schemas.ClassDependency, event.Classification)
}

func TestClassify_GenericErrorKeywordIsDroppedLive(t *testing.T) {
	t.Parallel()
	c := newTestClassifier(t)

	_, ok := c.Classify(schemas.SourceStdout, "some error happened somewhere")
	assert.False(t, ok, "keyword-only lines must not open a fix cycle")

	_, ok = c.Classify(schemas.SourceStdout, "Performing hot reload...")
	assert.False(t, ok)
}

func TestClassify_OrderedFirstMatchWins(t *testing.T) {
	t.Parallel()
	c := newTestClassifier(t)

	// A line matching both the overflow and the generic error pattern
	// classifies as overflow.
	event, ok := c.Classify(schemas.SourceStdout, "error: RenderFlex overflowed by 9.9 pixels")
	require.True(t, ok)
	assert.Equal(t, schemas.ClassUIOverflow, event.Classification)
}

func TestPostMortem_FindsNewestActionableLine(t *testing.T) {
	t.Parallel()
	c := newTestClassifier(t)

	c.Classify(schemas.SourceStdout, "Launching lib/main.dart on macOS...")
	c.Classify(schemas.SourceStdout, "lib/main.dart:6:70: Error: Expected ';' after this.")
	c.Classify(schemas.SourceStdout, "some error happened somewhere")
	c.Classify(schemas.SourceStdout, "process exiting")

	event, ok := c.PostMortem(schemas.SourceStderr)
	require.True(t, ok)
	assert.Equal(t, schemas.ClassCompilation, event.Classification)
	assert.Equal(t, "lib/main.dart", event.FilePath)
	assert.Equal(t, 6, event.Line)
}

func TestPostMortem_GenericErrorFallback(t *testing.T) {
	t.Parallel()
	c := newTestClassifier(t)

	// None of these open a fix cycle live, but after a crash the newest
	// keyword hit is the only lead left.
	for _, line := range []string{
		"Running Gradle task 'assembleDebug'...",
		"FAILURE: Build failed with an error.",
		"Gradle task assembleDebug failed with an error, see above",
		"process exiting",
	} {
		_, ok := c.Classify(schemas.SourceStdout, line)
		assert.False(t, ok)
	}

	event, ok := c.PostMortem(schemas.SourceStderr)
	require.True(t, ok)
	assert.Equal(t, schemas.ClassUnknown, event.Classification)
	assert.Equal(t, "Gradle task assembleDebug failed with an error, see above", event.Message)
	assert.Empty(t, event.FilePath)
}

func TestPostMortem_GenericFallbackExtractsLocation(t *testing.T) {
	t.Parallel()
	c := newTestClassifier(t)

	c.Classify(schemas.SourceStdout, "build error near lib/main.dart:4:3, aborting")

	event, ok := c.PostMortem(schemas.SourceStderr)
	require.True(t, ok)
	assert.Equal(t, schemas.ClassUnknown, event.Classification)
	assert.Equal(t, "lib/main.dart", event.FilePath)
	assert.Equal(t, 4, event.Line)
	assert.Equal(t, 3, event.Column)
}

func TestPostMortem_SpecificMatchBeatsGenericFallback(t *testing.T) {
	t.Parallel()
	c := newTestClassifier(t)

	c.Classify(schemas.SourceStdout, "lib/main.dart:6:70: Error: Expected ';' after this.")
	c.Classify(schemas.SourceStdout, "Gradle task assembleDebug failed with an error")

	event, ok := c.PostMortem(schemas.SourceStderr)
	require.True(t, ok)
	assert.Equal(t, schemas.ClassCompilation, event.Classification)
}

func TestPostMortem_EmptyBuffer(t *testing.T) {
	t.Parallel()
	c := newTestClassifier(t)

	_, ok := c.PostMortem(schemas.SourceStderr)
	assert.False(t, ok)
}

func TestPathResolver(t *testing.T) {
	t.Parallel()
	root := writeProject(t)
	r := NewPathResolver(zaptest.NewLogger(t), root)

	t.Run("literal relative path", func(t *testing.T) {
		got, err := r.Resolve("lib/main.dart")
		require.NoError(t, err)
		assert.Equal(t, "lib/main.dart", got)
	})

	t.Run("leading separator trimmed", func(t *testing.T) {
		got, err := r.Resolve("/lib/main.dart")
		require.NoError(t, err)
		assert.Equal(t, "lib/main.dart", got)
	})

	t.Run("basename fallback skips generated trees", func(t *testing.T) {
		got, err := r.Resolve("some/other/machine/profile_card.dart")
		require.NoError(t, err)
		assert.Equal(t, "lib/widgets/profile_card.dart", got)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := r.Resolve("nowhere.dart")
		assert.ErrorIs(t, err, ErrPathNotFound)
	})
}

func TestRingBuffer(t *testing.T) {
	t.Parallel()

	r := NewRingBuffer(3)
	assert.Zero(t, r.Len())

	r.Append("a")
	r.Append("b")
	assert.Equal(t, []string{"a", "b"}, r.Snapshot())

	r.Append("c")
	r.Append("d")
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"b", "c", "d"}, r.Snapshot())
}
