package stream

import "github.com/nkhandelwal/marketsync/internal/model"

// mergeFields overwrites only the fields present in update, and only
// when the update's stamp is not older than the field's last write.
// Absent fields always retain their prior values, so partial messages
// never blank out a quote.
func mergeFields(entry *model.CacheEntry, update model.QuoteFields, stamp int64) {
	set := func(name string, apply func()) {
		if last, ok := entry.FieldStamps[name]; ok && stamp < last {
			return
		}
		apply()
		entry.FieldStamps[name] = stamp
	}

	if update.LTP != nil {
		set("ltp", func() { entry.Fields.LTP = update.LTP })
	}
	if update.Open != nil {
		set("open", func() { entry.Fields.Open = update.Open })
	}
	if update.High != nil {
		set("high", func() { entry.Fields.High = update.High })
	}
	if update.Low != nil {
		set("low", func() { entry.Fields.Low = update.Low })
	}
	if update.Close != nil {
		set("close", func() { entry.Fields.Close = update.Close })
	}
	if update.Volume != nil {
		set("volume", func() { entry.Fields.Volume = update.Volume })
	}
	if update.Change != nil {
		set("change", func() { entry.Fields.Change = update.Change })
	}
	if update.ChangePercent != nil {
		set("change_percent", func() { entry.Fields.ChangePercent = update.ChangePercent })
	}
	if update.Depth != nil {
		set("depth", func() { entry.Fields.Depth = update.Depth })
	}
}
