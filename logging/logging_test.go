package logging

import (
	"context"
	"testing"

	"go.uber.org/zap/zapcore"
	"go.viam.com/test"
)

func TestLevelFromString(t *testing.T) {
	for _, tc := range []struct {
		input    string
		expected Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"Warn", WARN},
		{"warning", WARN},
		{"error", ERROR},
	} {
		level, err := LevelFromString(tc.input)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, level, test.ShouldEqual, tc.expected)
	}

	_, err := LevelFromString("loud")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "loud")
}

func TestSubloggerLevels(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	logger.SetLevel(INFO)

	sub := logger.Sublogger("sorter")
	test.That(t, sub.GetLevel(), test.ShouldEqual, INFO)

	sub.Debug("hidden")
	sub.Infow("visible", "tiles", 3)
	test.That(t, logs.FilterMessage("hidden").Len(), test.ShouldEqual, 0)

	entries := logs.FilterMessage("visible").All()
	test.That(t, entries, test.ShouldHaveLength, 1)
	test.That(t, entries[0].LoggerName, test.ShouldEqual, "sorter")
	test.That(t, entries[0].ContextMap()["tiles"], test.ShouldEqual, int64(3))

	sub.SetLevel(DEBUG)
	sub.Debug("now shown")
	logger.Debug("still hidden")
	test.That(t, logs.FilterMessage("now shown").Len(), test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("still hidden").Len(), test.ShouldEqual, 0)
}

func TestDebugModeContext(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	logger.SetLevel(ERROR)

	ctx := context.Background()
	test.That(t, IsDebugMode(ctx), test.ShouldBeFalse)
	logger.CDebugf(ctx, "quiet %d", 1)
	test.That(t, logs.Len(), test.ShouldEqual, 0)

	ctx = EnableDebugMode(ctx, "")
	test.That(t, IsDebugMode(ctx), test.ShouldBeTrue)
	test.That(t, TraceKey(ctx), test.ShouldHaveLength, 8)
	logger.CDebugf(ctx, "loud %d", 2)
	logger.CWarnw(ctx, "warned", "frame", 7)
	test.That(t, logs.FilterMessage("loud 2").Len(), test.ShouldEqual, 1)
	warned := logs.FilterMessage("warned").All()
	test.That(t, warned, test.ShouldHaveLength, 1)
	test.That(t, warned[0].Level, test.ShouldEqual, zapcore.WarnLevel)
	test.That(t, warned[0].ContextMap()["trace"], test.ShouldEqual, TraceKey(ctx))
	test.That(t, warned[0].ContextMap()["frame"], test.ShouldEqual, int64(7))

	ctx = EnableDebugMode(context.Background(), "frame-3")
	logger.CDebugw(ctx, "named")
	test.That(t, logs.FilterMessage("named").All()[0].ContextMap()["trace"], test.ShouldEqual, "frame-3")
}
