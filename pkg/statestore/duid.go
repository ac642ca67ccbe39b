package statestore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"

	"github.com/psaab/dhcp6c/pkg/dhcp"
)

const (
	DUIDTypeLLT  = "llt"
	DUIDTypeLL   = "ll"
	DUIDTypeUUID = "uuid"
)

// duidEpoch is the DUID-LLT time origin.
var duidEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

var _ dhcp.DUIDStore = (*Store)(nil)

type hardwareLookup func(ifindex int) (net.HardwareAddr, error)

func interfaceHardwareAddr(ifindex int) (net.HardwareAddr, error) {
	ifi, err := net.InterfaceByIndex(ifindex)
	if err != nil {
		return nil, err
	}
	return ifi.HardwareAddr, nil
}

// DUIDInfo describes a persisted client identifier.
type DUIDInfo struct {
	Service  string
	Type     string
	HexBytes string
	Display  string
}

// LoadOrCreateDUID implements dhcp.DUIDStore. The identifier is stored
// hex-encoded under the service identifier and reused across restarts.
func (s *Store) LoadOrCreateDUID(serviceID string, ifindex int) (dhcpv6.DUID, error) {
	ctx := context.Background()
	v, err := s.Get(ctx, NamespaceDUID, serviceID)
	switch {
	case err == nil:
		d, perr := decodeDUID(v)
		if perr == nil {
			return d, nil
		}
		slog.Warn("DHCPv6: discarding corrupt DUID", "service", serviceID, "err", perr)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("load DUID for %s: %w", serviceID, err)
	}

	d, err := s.newDUID(ifindex)
	if err != nil {
		return nil, err
	}
	if err := s.Put(ctx, NamespaceDUID, serviceID, []byte(hex.EncodeToString(d.ToBytes()))); err != nil {
		return nil, fmt.Errorf("persist DUID for %s: %w", serviceID, err)
	}
	slog.Info("DHCPv6: generated DUID", "service", serviceID, "duid", d)
	return d, nil
}

func (s *Store) newDUID(ifindex int) (dhcpv6.DUID, error) {
	if s.DUIDType == DUIDTypeUUID {
		return &dhcpv6.DUIDUUID{UUID: uuid.New()}, nil
	}
	hw, err := s.hw(ifindex)
	if err != nil {
		return nil, fmt.Errorf("interface lookup for DUID: %w", err)
	}
	if len(hw) == 0 {
		// No link-layer address to build from.
		return &dhcpv6.DUIDUUID{UUID: uuid.New()}, nil
	}
	switch s.DUIDType {
	case DUIDTypeLL:
		return &dhcpv6.DUIDLL{
			HWType:        iana.HWTypeEthernet,
			LinkLayerAddr: hw,
		}, nil
	default:
		return &dhcpv6.DUIDLLT{
			HWType:        iana.HWTypeEthernet,
			Time:          uint32(time.Since(duidEpoch).Seconds()),
			LinkLayerAddr: hw,
		}, nil
	}
}

func decodeDUID(v []byte) (dhcpv6.DUID, error) {
	b, err := hex.DecodeString(string(v))
	if err != nil {
		return nil, err
	}
	return dhcpv6.DUIDFromBytes(b)
}

// ClearDUID removes the identifier of a service. The next session
// generates a fresh one.
func (s *Store) ClearDUID(serviceID string) error {
	if err := s.Delete(context.Background(), NamespaceDUID, serviceID); err != nil {
		return err
	}
	slog.Info("DHCPv6: DUID cleared", "service", serviceID)
	return nil
}

// DUIDs lists every persisted identifier.
func (s *Store) DUIDs(ctx context.Context) ([]DUIDInfo, error) {
	var out []DUIDInfo
	err := s.Load(ctx, NamespaceDUID, func(key string, value []byte) error {
		d, err := decodeDUID(value)
		if err != nil {
			return nil
		}
		out = append(out, DUIDInfo{
			Service:  key,
			Type:     d.DUIDType().String(),
			HexBytes: hex.EncodeToString(d.ToBytes()),
			Display:  d.String(),
		})
		return nil
	})
	return out, err
}
