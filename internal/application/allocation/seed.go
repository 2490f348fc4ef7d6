package allocation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	dominv "github.com/shadowroute/vpnshop/internal/domain/inventory"
	"github.com/shadowroute/vpnshop/internal/vpnconfig"
)

// IDGenerator mints ids for seeded units.
type IDGenerator interface {
	NewID() string
}

// SeedAddressRange fills an empty pool with the IPv4 addresses from start to
// end (inclusive, same /24), spreading catalog locations round-robin the way
// the pool was originally provisioned. Units that already exist are skipped.
func SeedAddressRange(ctx context.Context, pool dominv.Repository, gen IDGenerator, start, end string) (int, error) {
	addrs, err := addressRange(start, end)
	if err != nil {
		return 0, fmt.Errorf("allocation: seed: %w", err)
	}

	locations := vpnconfig.Catalog()
	added := 0
	for i, addr := range addrs {
		loc := locations[i%len(locations)]
		unit := dominv.NewUnit(gen.NewID(), addr, loc.Name)
		if err := pool.Add(ctx, unit); err != nil {
			if errors.Is(err, dominv.ErrDuplicate) {
				continue
			}
			return added, fmt.Errorf("allocation: seed %s: %w", addr, err)
		}
		added++
	}
	return added, nil
}

func addressRange(start, end string) ([]string, error) {
	if net.ParseIP(start) == nil || net.ParseIP(end) == nil {
		return nil, fmt.Errorf("invalid address range %s-%s", start, end)
	}
	startParts := strings.Split(start, ".")
	endParts := strings.Split(end, ".")
	if len(startParts) != 4 || len(endParts) != 4 {
		return nil, fmt.Errorf("invalid address range %s-%s", start, end)
	}
	for i := 0; i < 3; i++ {
		if startParts[i] != endParts[i] {
			return nil, fmt.Errorf("range %s-%s spans more than one /24", start, end)
		}
	}

	lo, err := strconv.Atoi(startParts[3])
	if err != nil {
		return nil, err
	}
	hi, err := strconv.Atoi(endParts[3])
	if err != nil {
		return nil, err
	}
	if hi < lo {
		return nil, fmt.Errorf("range %s-%s is inverted", start, end)
	}

	prefix := strings.Join(startParts[:3], ".")
	addrs := make([]string, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		addrs = append(addrs, fmt.Sprintf("%s.%d", prefix, i))
	}
	return addrs, nil
}
