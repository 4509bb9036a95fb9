package sensor

import "testing"

func TestEdgeDispatchOrder(t *testing.T) {
	s := New("inlet", "mms:PB1")
	var order []int
	s.OnTrigger(func(pin string) { order = append(order, 1) })
	s.OnTrigger(func(pin string) { order = append(order, 2) })
	s.Trigger()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("handlers out of order: %v", order)
	}
	// Repeated state is not a new edge.
	s.Trigger()
	if len(order) != 2 {
		t.Fatalf("handler ran without an edge: %v", order)
	}
	s.Release()
	s.Trigger()
	if len(order) != 4 {
		t.Fatalf("handlers missed a new edge: %v", order)
	}
}

func TestRemoveHandler(t *testing.T) {
	s := New("gate", "mms:PB2")
	n := 0
	remove := s.OnRelease(func(pin string) { n++ })
	s.Trigger()
	s.Release()
	remove()
	s.Trigger()
	s.Release()
	if n != 1 {
		t.Fatalf("removed handler ran: n=%d", n)
	}
}

func TestNewEdgeQueries(t *testing.T) {
	s := New("outlet", "buffer:PA5")
	s.Trigger()
	if !s.IsNewTriggered() {
		t.Error("expected new trigger")
	}
	s.Trigger()
	if s.IsNewTriggered() {
		t.Error("repeated trigger is not new")
	}
	s.Release()
	if !s.IsNewReleased() {
		t.Error("expected new release")
	}
}

func TestInverted(t *testing.T) {
	if !Inverted("!buffer:PA4") || Inverted("buffer:PA4") {
		t.Error("polarity prefix misparsed")
	}
	if New("runout", "!buffer:PA4").Pin() != "buffer:PA4" {
		t.Error("pin name should drop the polarity prefix")
	}
}

func TestADCInitialThreshold(t *testing.T) {
	a := NewADC("gate", "mms:PA2")
	// Narrow range: only the fixed init threshold may trigger.
	for _, v := range []int{200, 190, 210, 205} {
		a.Sample(v)
	}
	if a.IsTriggered() {
		t.Fatal("triggered inside a narrow idle band")
	}
	a.Sample(100)
	if !a.IsTriggered() {
		t.Fatal("init threshold did not trigger")
	}
}

func TestADCMidpointCrossing(t *testing.T) {
	a := NewADC("outlet", "buffer:PA5")
	// Open the range: high idle, then a deep falling signal.
	for _, v := range []int{3000, 3010, 2990, 3000} {
		a.Sample(v)
	}
	a.Sample(600)
	if !a.IsTriggered() {
		t.Fatal("falling midpoint crossing did not trigger")
	}
	a.Sample(3000)
	if !a.IsReleased() {
		t.Fatal("rising midpoint crossing did not release")
	}
}

func TestADCInvertedPolarity(t *testing.T) {
	a := NewADC("runout", "!buffer:PA4")
	for _, v := range []int{200, 210, 190, 205} {
		a.Sample(v)
	}
	a.Sample(3000)
	if !a.IsTriggered() {
		t.Fatal("inverted pin should trigger on rising crossing")
	}
}

func TestEdgeDetectorTrend(t *testing.T) {
	d := newEdgeDetector()
	d.SetMinTrend(5)
	rising, falling := d.Detect([]int{100, 200, 300, 400, 500})
	if !rising || falling {
		t.Fatalf("steady climb: rising=%v falling=%v", rising, falling)
	}
	rising, falling = d.Detect([]int{500, 400, 300, 200, 100})
	if rising || !falling {
		t.Fatalf("steady fall: rising=%v falling=%v", rising, falling)
	}
	rising, falling = d.Detect([]int{300, 300, 300, 300, 300})
	if rising || falling {
		t.Fatalf("flat signal produced an edge")
	}
}
