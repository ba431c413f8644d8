package transcript

import "testing"

func TestAggregator_AppendAndFlush(t *testing.T) {
	var agg Aggregator
	agg.Append(SpeakerUser, "hel")
	agg.Append(SpeakerUser, "lo")
	agg.Append(SpeakerModel, "hi")

	turn, ok := agg.Flush()
	if !ok {
		t.Fatalf("expected a turn")
	}
	if turn.User != "hello" || turn.Model != "hi" {
		t.Fatalf("turn=%+v, want {hello hi}", turn)
	}

	if _, ok := agg.Flush(); ok {
		t.Fatalf("second flush should be empty")
	}
}

func TestAggregator_OneSidedTurn(t *testing.T) {
	var agg Aggregator
	agg.Append(SpeakerModel, "hi")

	turn, ok := agg.Flush()
	if !ok {
		t.Fatalf("expected a turn with only model text")
	}
	if turn.User != "" || turn.Model != "hi" {
		t.Fatalf("turn=%+v, want {\"\" hi}", turn)
	}
}

func TestAggregator_IgnoresUnknownSpeaker(t *testing.T) {
	var agg Aggregator
	agg.Append(Speaker("narrator"), "once upon a time")
	if _, ok := agg.Flush(); ok {
		t.Fatalf("unknown speaker fragments should not open a turn")
	}
}

func TestAggregator_Reset(t *testing.T) {
	var agg Aggregator
	agg.Append(SpeakerUser, "discard me")
	agg.Reset()
	if _, ok := agg.Flush(); ok {
		t.Fatalf("flush after reset should be empty")
	}
}
