package enum_test

import (
	"testing"

	"github.com/kiwari-pos/till/internal/enum"
)

func TestValid(t *testing.T) {
	tests := []struct {
		name string
		got  bool
		want bool
	}{
		{"slot processing", enum.SlotProcessing.Valid(), true},
		{"slot unknown", enum.SlotStatus("busy").Valid(), false},
		{"overlay cancelled", enum.OverlayCancelled.Valid(), true},
		{"overlay unknown", enum.OverlayStatus("void").Valid(), false},
		{"payment paid", enum.PaymentPaid.Valid(), true},
		{"payment partial", enum.PaymentStatus("partial").Valid(), false},
		{"sync failed", enum.SyncFailed.Valid(), true},
		{"sync unknown", enum.SyncStatus("queued").Valid(), false},
		{"order type take-away", enum.OrderTypeTakeaway.Valid(), true},
		{"order type legacy", enum.OrderType("TAKEAWAY").Valid(), false},
		{"method qris", enum.PaymentMethodQRIS.Valid(), true},
		{"method upper case", enum.PaymentMethod("CASH").Valid(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestOverlayStatus_Terminal(t *testing.T) {
	if enum.OverlayActive.Terminal() {
		t.Error("active must not be terminal")
	}
	for _, s := range []enum.OverlayStatus{enum.OverlayCompleted, enum.OverlayCancelled} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
}
