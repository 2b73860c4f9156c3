package ipam

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"pgregory.net/rapid"

	"github.com/martinsuchenak/netprov/internal/model"
	"github.com/martinsuchenak/netprov/internal/storage"
)

func setupManager(t *testing.T) (*Manager, *storage.SQLiteStorage) {
	t.Helper()

	ss, err := storage.NewSQLiteStorage(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create test storage: %v", err)
	}
	t.Cleanup(func() { ss.Close() })
	return New(ss, nil), ss
}

func addDevice(t *testing.T, ss *storage.SQLiteStorage, name, location string) *model.Device {
	t.Helper()
	d := &model.Device{Name: name, Vendor: "memory", Host: "127.0.0.1", Location: location}
	if err := ss.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	return d
}

func addSubnet(t *testing.T, m *Manager, deviceID, cidr string) *model.Subnet {
	t.Helper()
	s, err := m.CreateSubnet(context.Background(), SubnetRequest{DeviceID: deviceID, CIDR: cidr})
	if err != nil {
		t.Fatalf("CreateSubnet(%s) error = %v", cidr, err)
	}
	return s
}

func owner(n int) model.AddressOwner {
	return model.AddressOwner{ServiceID: fmt.Sprintf("svc-%d", n), CustomerID: fmt.Sprintf("cust-%d", n)}
}

func TestCreateSubnet_ReservesEdges(t *testing.T) {
	m, ss := setupManager(t)
	ctx := context.Background()
	d := addDevice(t, ss, "bras-1", "north")

	s := addSubnet(t, m, d.ID, "100.64.0.5/29")
	if s.CIDR != "100.64.0.0/29" {
		t.Errorf("CIDR = %q, want the masked prefix", s.CIDR)
	}
	if s.Gateway != "100.64.0.1" {
		t.Errorf("Gateway = %q, want first host", s.Gateway)
	}
	if s.TotalAddresses != 5 || s.Available() != 5 {
		t.Errorf("total = %d, available = %d, want 5 and 5", s.TotalAddresses, s.Available())
	}

	reserved, err := m.Addresses(ctx, s.ID, model.AddressReserved)
	if err != nil {
		t.Fatalf("Addresses() error = %v", err)
	}
	var ips []string
	for _, a := range reserved {
		ips = append(ips, a.IP)
	}
	want := []string{"100.64.0.0", "100.64.0.1", "100.64.0.7"}
	if fmt.Sprint(ips) != fmt.Sprint(want) {
		t.Errorf("reserved = %v, want %v", ips, want)
	}
}

func TestCreateSubnet_Validation(t *testing.T) {
	m, ss := setupManager(t)
	d := addDevice(t, ss, "bras-1", "north")

	tests := []struct {
		name string
		req  SubnetRequest
		want error
	}{
		{"malformed", SubnetRequest{DeviceID: d.ID, CIDR: "10.0.0.0/33"}, ErrInvalidSubnet},
		{"ipv4 too large", SubnetRequest{DeviceID: d.ID, CIDR: "10.0.0.0/15"}, ErrInvalidSubnet},
		{"ipv6 too large", SubnetRequest{DeviceID: d.ID, CIDR: "2001:db8::/111"}, ErrInvalidSubnet},
		{"gateway outside", SubnetRequest{DeviceID: d.ID, CIDR: "10.0.0.0/24", Gateway: "10.0.1.1"}, ErrInvalidSubnet},
		{"unknown device", SubnetRequest{DeviceID: "nope", CIDR: "10.0.0.0/24"}, storage.ErrDeviceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.CreateSubnet(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Errorf("CreateSubnet() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreateSubnet_IPv6AndPointToPoint(t *testing.T) {
	m, ss := setupManager(t)
	d := addDevice(t, ss, "bras-1", "north")

	v6 := addSubnet(t, m, d.ID, "2001:db8::/124")
	// subnet-router anycast and gateway only; IPv6 has no broadcast
	if v6.TotalAddresses != 14 {
		t.Errorf("IPv6 total = %d, want 14", v6.TotalAddresses)
	}

	p2p := addSubnet(t, m, d.ID, "192.0.2.0/31")
	if p2p.TotalAddresses != 2 || p2p.Gateway != "" {
		t.Errorf("/31 total = %d gateway = %q, want 2 and none", p2p.TotalAddresses, p2p.Gateway)
	}
}

func TestSelectDevice(t *testing.T) {
	m, ss := setupManager(t)
	ctx := context.Background()

	north := addDevice(t, ss, "bras-north", "North")
	south := addDevice(t, ss, "bras-south", "south")
	empty := addDevice(t, ss, "bras-empty", "east")
	addSubnet(t, m, north.ID, "10.1.0.0/29")
	addSubnet(t, m, south.ID, "10.2.0.0/28")

	tests := []struct {
		name     string
		location string
		hint     string
		want     string
	}{
		{"location match is case-insensitive", "north", "", north.ID},
		{"falls back to most available", "west", "", south.ID},
		{"no location picks most available", "", "", south.ID},
		{"hint by name wins", "south", "bras-north", north.ID},
		{"hint without capacity is ignored", "north", empty.ID, north.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := m.SelectDevice(ctx, tt.location, tt.hint)
			if err != nil {
				t.Fatalf("SelectDevice() error = %v", err)
			}
			if d.ID != tt.want {
				t.Errorf("SelectDevice() = %s, want %s", d.Name, tt.want)
			}
		})
	}

	north.Status = model.DeviceMaintenance
	south.Status = model.DeviceInactive
	for _, d := range []*model.Device{north, south} {
		if err := ss.UpdateDevice(ctx, d); err != nil {
			t.Fatalf("UpdateDevice() error = %v", err)
		}
	}
	if _, err := m.SelectDevice(ctx, "north", ""); !errors.Is(err, ErrNoCapacity) || !errors.Is(err, ErrExhausted) {
		t.Errorf("SelectDevice() error = %v, want ErrNoCapacity", err)
	}
}

func TestSelectDevice_ExhaustionCodes(t *testing.T) {
	m, ss := setupManager(t)
	ctx := context.Background()

	d := addDevice(t, ss, "bras-1", "north")
	if _, err := m.SelectDevice(ctx, "north", ""); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("SelectDevice(no subnets) error = %v, want ErrNoCapacity", err)
	}

	s := addSubnet(t, m, d.ID, "10.9.0.0/30")
	if _, err := m.Allocate(ctx, s.ID, owner(0)); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	_, err := m.SelectDevice(ctx, "north", "")
	if !errors.Is(err, ErrNoAvailableSubnet) || errors.Is(err, ErrNoCapacity) {
		t.Errorf("SelectDevice(full subnet) error = %v, want ErrNoAvailableSubnet", err)
	}
	if _, err := m.AllocateForService(ctx, "north", "", owner(1)); !errors.Is(err, ErrNoAvailableSubnet) {
		t.Errorf("AllocateForService(full subnet) error = %v, want ErrNoAvailableSubnet", err)
	}
}

func TestReserveSubnet_BalancesUtilization(t *testing.T) {
	m, ss := setupManager(t)
	ctx := context.Background()
	d := addDevice(t, ss, "bras-1", "north")

	small := addSubnet(t, m, d.ID, "10.0.0.0/29")
	large := addSubnet(t, m, d.ID, "10.0.1.0/28")

	s, err := m.ReserveSubnet(ctx, d.ID)
	if err != nil || s.ID != large.ID {
		t.Fatalf("ReserveSubnet() = %v, %v; want %s", s, err, large.CIDR)
	}

	// drain the large subnet below the small one
	for i := 0; i < 9; i++ {
		if _, err := m.Allocate(ctx, large.ID, owner(i)); err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
	}
	s, err = m.ReserveSubnet(ctx, d.ID)
	if err != nil || s.ID != small.ID {
		t.Errorf("ReserveSubnet() = %v, %v; want %s", s, err, small.CIDR)
	}

	other := addDevice(t, ss, "bras-2", "north")
	if _, err := m.ReserveSubnet(ctx, other.ID); !errors.Is(err, ErrNoAvailableSubnet) {
		t.Errorf("ReserveSubnet(no subnets) error = %v, want ErrNoAvailableSubnet", err)
	}
}

func TestAllocate_LowestAddressAndRelease(t *testing.T) {
	m, ss := setupManager(t)
	ctx := context.Background()
	d := addDevice(t, ss, "bras-1", "north")
	s := addSubnet(t, m, d.ID, "10.0.0.0/29")

	first, err := m.Allocate(ctx, s.ID, owner(1))
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if first.IP != "10.0.0.2" || first.Status != model.AddressAssigned || first.ServiceID != "svc-1" {
		t.Errorf("Allocate() = %+v, want 10.0.0.2 assigned to svc-1", first)
	}
	second, _ := m.Allocate(ctx, s.ID, owner(2))
	if second.IP != "10.0.0.3" {
		t.Errorf("second Allocate() = %s, want 10.0.0.3", second.IP)
	}

	if err := m.Release(ctx, first.ID, "test"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := m.Release(ctx, first.ID, "test"); err != nil {
		t.Errorf("second Release() error = %v, want nil", err)
	}
	got, _ := m.Address(ctx, first.ID)
	if got.Status != model.AddressAvailable || got.ServiceID != "" {
		t.Errorf("released address = %+v", got)
	}

	// the freed lowest address is handed out again
	third, _ := m.Allocate(ctx, s.ID, owner(3))
	if third.IP != "10.0.0.2" {
		t.Errorf("Allocate() after release = %s, want 10.0.0.2", third.IP)
	}
}

func TestBlockUnblock(t *testing.T) {
	m, ss := setupManager(t)
	ctx := context.Background()
	d := addDevice(t, ss, "bras-1", "north")
	s := addSubnet(t, m, d.ID, "10.0.0.0/30") // one usable address

	avail, _ := m.Addresses(ctx, s.ID, model.AddressAvailable)
	if len(avail) != 1 {
		t.Fatalf("available = %d, want 1", len(avail))
	}
	id := avail[0].ID

	if err := m.Block(ctx, id, "abuse"); err != nil {
		t.Fatalf("Block() error = %v", err)
	}
	if err := m.Block(ctx, id, "abuse"); err != nil {
		t.Errorf("second Block() error = %v", err)
	}
	if _, err := m.AllocateForService(ctx, "north", "", owner(1)); !errors.Is(err, ErrExhausted) {
		t.Errorf("AllocateForService() with blocked pool error = %v, want ErrExhausted", err)
	}

	if err := m.Unblock(ctx, id, "cleared"); err != nil {
		t.Fatalf("Unblock() error = %v", err)
	}
	a, err := m.AllocateForService(ctx, "north", "", owner(1))
	if err != nil {
		t.Fatalf("AllocateForService() error = %v", err)
	}
	if err := m.Block(ctx, a.Address.ID, "abuse"); !errors.Is(err, ErrAddressInUse) {
		t.Errorf("Block(assigned) error = %v, want ErrAddressInUse", err)
	}
}

// Two services race for the last address of a subnet: exactly one wins.
func TestAllocateForService_ConcurrentLastAddress(t *testing.T) {
	m, ss := setupManager(t)
	ctx := context.Background()
	d := addDevice(t, ss, "bras-1", "north")
	s := addSubnet(t, m, d.ID, "10.0.0.0/30")

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		exhausted int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.AllocateForService(ctx, "north", "", owner(i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrExhausted):
				exhausted++
			default:
				t.Errorf("AllocateForService() unexpected error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || exhausted != workers-1 {
		t.Errorf("wins = %d, exhausted = %d; want 1 and %d", wins, exhausted, workers-1)
	}
	assigned, _ := m.Addresses(ctx, s.ID, model.AddressAssigned)
	if len(assigned) != 1 {
		t.Errorf("assigned addresses = %d, want 1", len(assigned))
	}
}

// Any interleaving of allocations and releases keeps addresses unique,
// keeps the used counter exact, and lets releases repeat without error.
func TestPool_AllocateReleaseProperties(t *testing.T) {
	m, ss := setupManager(t)
	ctx := context.Background()
	d := addDevice(t, ss, "bras-1", "north")

	iteration := 0
	rapid.Check(t, func(rt *rapid.T) {
		iteration++
		s := addSubnet(t, m, d.ID, fmt.Sprintf("10.%d.%d.0/28", iteration/256, iteration%256))
		usable := s.TotalAddresses

		live := map[string]*model.Address{} // service ID -> address
		var released []string
		next := 0

		ops := rapid.SliceOfN(rapid.IntRange(0, 2), 1, 40).Draw(rt, "ops")
		for _, op := range ops {
			switch {
			case op < 2: // allocate
				next++
				o := model.AddressOwner{ServiceID: fmt.Sprintf("p%d-%d", iteration, next)}
				a, err := m.Allocate(ctx, s.ID, o)
				if len(live) == usable {
					if err == nil {
						rt.Fatalf("allocated %s from a full subnet", a.IP)
					}
					continue
				}
				if err != nil {
					rt.Fatalf("Allocate() with %d/%d used error = %v", len(live), usable, err)
				}
				for _, other := range live {
					if other.IP == a.IP {
						rt.Fatalf("address %s handed out twice", a.IP)
					}
				}
				live[o.ServiceID] = a
			default: // release
				if len(live) == 0 {
					continue
				}
				keys := make([]string, 0, len(live))
				for k := range live {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				k := rapid.SampledFrom(keys).Draw(rt, "release")
				if err := m.Release(ctx, live[k].ID, "property"); err != nil {
					rt.Fatalf("Release() error = %v", err)
				}
				released = append(released, live[k].ID)
				delete(live, k)
			}
		}

		for _, id := range released {
			a, err := m.Address(ctx, id)
			if err != nil {
				rt.Fatalf("Address() error = %v", err)
			}
			if a.Status == model.AddressAvailable {
				if err := m.Release(ctx, id, "again"); err != nil {
					rt.Fatalf("repeated Release() error = %v", err)
				}
			}
		}

		got, err := ss.GetSubnet(ctx, s.ID)
		if err != nil {
			rt.Fatalf("GetSubnet() error = %v", err)
		}
		if got.UsedAddresses != len(live) {
			rt.Fatalf("used = %d, want %d", got.UsedAddresses, len(live))
		}
		assigned, _ := m.Addresses(ctx, s.ID, model.AddressAssigned)
		if len(assigned) != len(live) {
			rt.Fatalf("assigned rows = %d, want %d", len(assigned), len(live))
		}
		for _, a := range assigned {
			if want, ok := live[a.ServiceID]; !ok || want.ID != a.ID {
				rt.Fatalf("address %s owned by unexpected service %q", a.IP, a.ServiceID)
			}
		}
	})
}
