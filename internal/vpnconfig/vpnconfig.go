package vpnconfig

import (
	"errors"
	"fmt"
	"strings"
	"text/template"
)

var ErrUnknownLocation = errors.New("vpnconfig: unknown location")

// Location is one exit-node region with its gateway endpoint.
type Location struct {
	Name    string
	Country string
	City    string
	Server  string
	Port    int
}

var catalog = []Location{
	{Name: "New York, USA", Country: "US", City: "New York"},
	{Name: "London, UK", Country: "GB", City: "London"},
	{Name: "Tokyo, Japan", Country: "JP", City: "Tokyo"},
	{Name: "Sydney, Australia", Country: "AU", City: "Sydney"},
	{Name: "Frankfurt, Germany", Country: "DE", City: "Frankfurt"},
	{Name: "Singapore", Country: "SG", City: "Singapore"},
	{Name: "Toronto, Canada", Country: "CA", City: "Toronto"},
	{Name: "Amsterdam, Netherlands", Country: "NL", City: "Amsterdam"},
	{Name: "Paris, France", Country: "FR", City: "Paris"},
	{Name: "Mumbai, India", Country: "IN", City: "Mumbai"},
	{Name: "São Paulo, Brazil", Country: "BR", City: "São Paulo"},
	{Name: "Seoul, South Korea", Country: "KR", City: "Seoul"},
	{Name: "Moscow, Russia", Country: "RU", City: "Moscow"},
	{Name: "Mexico City, Mexico", Country: "MX", City: "Mexico City"},
	{Name: "Cairo, Egypt", Country: "EG", City: "Cairo"},
	{Name: "Bangkok, Thailand", Country: "TH", City: "Bangkok"},
	{Name: "Istanbul, Turkey", Country: "TR", City: "Istanbul"},
	{Name: "Jakarta, Indonesia", Country: "ID", City: "Jakarta"},
	{Name: "Lagos, Nigeria", Country: "NG", City: "Lagos"},
	{Name: "Buenos Aires, Argentina", Country: "AR", City: "Buenos Aires"},
}

func init() {
	for i := range catalog {
		city := strings.ToLower(catalog[i].City)
		city = strings.ReplaceAll(city, " ", "")
		catalog[i].Server = city + ".vpn.shadowroute.net"
		catalog[i].Port = 1194
	}
}

// Catalog returns every sellable location.
func Catalog() []Location {
	out := make([]Location, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup resolves a location by its display name.
func Lookup(name string) (Location, error) {
	for _, loc := range catalog {
		if loc.Name == name {
			return loc, nil
		}
	}
	return Location{}, fmt.Errorf("%w: %s", ErrUnknownLocation, name)
}

// Known reports whether name is in the catalog.
func Known(name string) bool {
	_, err := Lookup(name)
	return err == nil
}

// Credentials are the per-client tunnel credentials issued on allocation.
type Credentials struct {
	Username string
	Password string
}

type profileData struct {
	Location Location
	Address  string
	Creds    Credentials
}

var profileTemplate = template.Must(template.New("ovpn").Parse(`client
dev tun
proto udp
remote {{.Location.Server}} {{.Location.Port}}
resolv-retry infinite
nobind
persist-key
persist-tun
remote-cert-tls server
verify-x509-name {{.Location.City}} name
cipher AES-256-CBC
auth SHA256
key-direction 1
auth-user-pass
verb 3
mute 20
keepalive 10 120
# exit address {{.Address}}
# username {{.Creds.Username}}
`))

// Render produces an OpenVPN client profile for the given location and exit
// address. Credentials are referenced, never embedded as secrets beyond the
// username hint.
func Render(locationName, address string, creds Credentials) (string, error) {
	loc, err := Lookup(locationName)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if err := profileTemplate.Execute(&b, profileData{Location: loc, Address: address, Creds: creds}); err != nil {
		return "", fmt.Errorf("vpnconfig: render: %w", err)
	}
	return b.String(), nil
}
