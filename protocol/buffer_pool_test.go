package protocol

import "testing"

// TestGetWindow_Size verifies windows come back at the requested size
func TestGetWindow_Size(t *testing.T) {
	for _, size := range []int{MinRxBufferSize, DefaultRxBufferSize, 4096, MaxPooledWindow + 1} {
		buf := GetWindow(size)
		if len(*buf) != size {
			t.Errorf("expected window of %d bytes, got %d", size, len(*buf))
		}
		PutWindow(buf)
	}
}

// TestPutWindow_Reuse verifies a returned window can be handed out again
func TestPutWindow_Reuse(t *testing.T) {
	buf := GetWindow(777)
	(*buf)[0] = 0xAA
	PutWindow(buf)
	PutWindow(nil)

	again := GetWindow(777)
	if len(*again) != 777 {
		t.Fatalf("expected window of 777 bytes, got %d", len(*again))
	}
	PutWindow(again)
}
