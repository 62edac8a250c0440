package bull

import (
	"sort"

	"bull-bridge/internal/domain"
)

const (
	DefaultBaseURL = "https://api.iotbull.com"
	DefaultBroker  = "tcp://106.15.66.132:1883"

	appKey          = "203728881"
	appPlatform     = "ios"
	appVersion      = "2.3.1"
	pushAppVersion  = "2.9.1"
	signatureMethod = "HmacSHA256"
	signedHeaders   = "x-ca-key,x-ca-nonce,x-ca-signaturemethod"
	basicAuth       = "Basic cGFhc2Nsb3VkY2xpZW50dWljOnBhYXNjbG91ZENsaWVudFNlY3JldA=="
	acceptLanguage  = "zh-Hans;q=1, zh-Hant-CN;q=0.9, en-CN;q=0.8"

	// timestampLayout renders the request date the way the mobile app does,
	// with the zone fixed to UTC+8.
	timestampLayout = "Mon, 2 Jan 2006 15:04:05"
	timestampZone   = " GMT+8"

	bindTopic   = "/sys/app/up/account/bind"
	bindID      = "msg_id_bind_85"
	bindVersion = "1.0"

	refreshClientID     = "paascloudclientuic"
	refreshClientSecret = "paascloudClientSecret"
	mosPasswordSalt     = "GONGNIU"

	ContentTypeForm = "application/x-www-form-urlencoded; charset=utf-8"
	ContentTypeJSON = "application/json"
)

var appSecret = []byte("t3f9hqri8ciuici50aem25xmcyqsopey")

// vendor envelope signals
const (
	codeLoginRequired = 9008
	codeWrongUser     = 901001
	codeWrongPassword = 901015
	errorInvalidToken = "invalid_token"
)

type Flavor string

const (
	FlavorBull Flavor = "bull"
	FlavorMos  Flavor = "mos"
)

// ProductCatalog maps global product ids to device kinds.
type ProductCatalog struct {
	Switch  map[int]struct{}
	Cover   map[int]struct{}
	Charger map[int]struct{}
}

func DefaultCatalog() ProductCatalog {
	return ProductCatalog{
		Switch:  idSet(4, 5, 6, 7, 13, 14, 34, 35, 36),
		Cover:   idSet(31),
		Charger: idSet(),
	}
}

// Extend adds product ids to the catalog and returns it.
func (p ProductCatalog) Extend(switches, covers, chargers []int) ProductCatalog {
	for _, id := range switches {
		p.Switch[id] = struct{}{}
	}
	for _, id := range covers {
		p.Cover[id] = struct{}{}
	}
	for _, id := range chargers {
		p.Charger[id] = struct{}{}
	}
	return p
}

func (p ProductCatalog) Classify(productID int) domain.DeviceKind {
	if _, ok := p.Charger[productID]; ok {
		return domain.DeviceKindCharger
	}
	if _, ok := p.Switch[productID]; ok {
		return domain.DeviceKindSwitch
	}
	if _, ok := p.Cover[productID]; ok {
		return domain.DeviceKindCover
	}
	return domain.DeviceKindUnsupported
}

func (p ProductCatalog) IDs(kind domain.DeviceKind) []int {
	var set map[int]struct{}
	switch kind {
	case domain.DeviceKindSwitch:
		set = p.Switch
	case domain.DeviceKindCover:
		set = p.Cover
	case domain.DeviceKindCharger:
		set = p.Charger
	}
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func idSet(ids ...int) map[int]struct{} {
	m := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}
