package register

import "testing"

func TestAnalyzeVenting(t *testing.T) {
	decision := Analyze("I need to vent, I'm so frustrated with him")
	if decision.Register != Venting {
		t.Fatalf("expected venting register, got %s", decision.Register)
	}
	if decision.Score <= 0 {
		t.Fatalf("expected positive score, got %d", decision.Score)
	}
}

func TestAnalyzeRehearsal(t *testing.T) {
	decision := Analyze("Can we practice how to bring this up tonight?")
	if decision.Register != Rehearsal {
		t.Fatalf("expected rehearsal register, got %s", decision.Register)
	}
}

func TestAnalyzeCrisisBeatsVentingOnTie(t *testing.T) {
	decision := Analyze("I'm done. I think we should break up")
	if decision.Register != Crisis {
		t.Fatalf("expected crisis register, got %s", decision.Register)
	}
}

func TestAnalyzeNeutral(t *testing.T) {
	if got := Analyze("   ").Register; got != Neutral {
		t.Fatalf("expected neutral for empty input, got %s", got)
	}
	if got := Analyze("The weather is nice").Register; got != Neutral {
		t.Fatalf("expected neutral, got %s", got)
	}
	if Describe(Neutral) == "" || Describe(Venting) == Describe(Planning) {
		t.Fatal("unexpected register descriptions")
	}
}
