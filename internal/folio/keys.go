package folio

// Storage layout within one logical namespace:
//
//	rec:{id}        hash: trio = encoded record, mod = stamp string
//	idx:all         set of every non-destroyed record id
//	idx:tag:{name}  set of ids carrying tag name (excluding id/mod)
//	his:{id}        sorted set: score = ts millis, member = encoded item
//	meta:version    decimal counter, >= 1
const (
	idxAllKey      = "idx:all"
	metaVersionKey = "meta:version"
)

func recKey(id string) string   { return "rec:" + id }
func tagKey(name string) string { return "idx:tag:" + name }
func hisKey(id string) string   { return "his:" + id }
