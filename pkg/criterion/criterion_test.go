package criterion

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		text string
		want Method
	}{
		{"file 'out.txt' exists", MethodDeterministic},
		{"tests pass", MethodDeterministic},
		{"exit code is 0", MethodDeterministic},
		{"output contains 'hello world'", MethodDeterministic},
		{"status code is 200", MethodDeterministic},
		{"the UI feels elegant and intuitive", MethodUnverifiable},
		{"the refactor improves readability of the module", MethodSemantic},
	}
	for _, c := range cases {
		if got := Classify(c.text); got != c.want {
			t.Errorf("Classify(%q) = %s, want %s", c.text, got, c.want)
		}
	}
}

func TestScore_Deterministic_TestsPass(t *testing.T) {
	s := Evaluate(Criterion{Text: "tests pass"}, "ok: running suite... all tests passed in 2.1s")
	if s.Status != StatusSatisfied {
		t.Errorf("status = %s, want satisfied", s.Status)
	}
	if s.Method != MethodDeterministic {
		t.Errorf("method = %s, want deterministic", s.Method)
	}
}

func TestScore_Deterministic_ExitCode(t *testing.T) {
	s := Evaluate(Criterion{Text: "exit code is 0"}, "process finished, exit code 1")
	if s.Status != StatusFailed {
		t.Errorf("status = %s, want failed", s.Status)
	}
}

func TestScore_Unverifiable_AlwaysNeedsHuman(t *testing.T) {
	s := Evaluate(Criterion{Text: "the design should feel intuitive"}, "anything at all")
	if s.Status != StatusNeedsHuman {
		t.Errorf("status = %s, want needs_human", s.Status)
	}
}

func TestScore_Semantic_Satisfied(t *testing.T) {
	s := Evaluate(Criterion{Text: "improves caching performance significantly"}, "the new caching layer improves performance significantly under load")
	if s.Status != StatusSatisfied {
		t.Errorf("status = %s, want satisfied (ratio=%v)", s.Status, s.Ratio)
	}
}

func TestScore_Semantic_FailureIndicatorNearby(t *testing.T) {
	s := Evaluate(Criterion{Text: "caching performance improves"}, "attempted caching changes but performance testing failed with timeout")
	if s.Status != StatusFailed {
		t.Errorf("status = %s, want failed", s.Status)
	}
}

func TestScore_AntiCriterionInverts(t *testing.T) {
	satisfied := Evaluate(Criterion{Text: "tests pass"}, "all tests passed")
	anti := Evaluate(Criterion{Text: "tests pass", Anti: true}, "all tests passed")
	if satisfied.Status != StatusSatisfied {
		t.Fatalf("precondition: want satisfied, got %s", satisfied.Status)
	}
	if anti.Status != StatusFailed {
		t.Errorf("anti-criterion status = %s, want failed", anti.Status)
	}
}

func TestAggregatePassRate(t *testing.T) {
	scores := []Score{
		{Status: StatusSatisfied}, {Status: StatusSatisfied}, {Status: StatusFailed}, {Status: StatusNeedsHuman},
	}
	if got := AggregatePassRate(scores); got != 0.5 {
		t.Errorf("pass rate = %v, want 0.5", got)
	}
}
