package registry

import (
	"slices"
	"strings"
)

// AllMangaSentinel in a wire interest list subscribes to every manga.
const AllMangaSentinel = "*"

// Interest is what a session wants to receive. Owned by the session; the
// registry keeps its own normalized copy.
type Interest struct {
	Manga    []string
	AllManga bool
	Rooms    []string
}

// ParseInterest builds an Interest from a wire list of manga ids where "*" or
// "all" means every manga.
func ParseInterest(mangaIDs, rooms []string) Interest {
	var in Interest
	for _, m := range mangaIDs {
		m = strings.TrimSpace(m)
		if m == AllMangaSentinel || strings.EqualFold(m, "all") {
			in.AllManga = true
			continue
		}
		in.Manga = append(in.Manga, m)
	}
	in.Rooms = rooms
	return in.normalize()
}

// Subscribe adds manga ids (or the sentinel) to the set.
func (in *Interest) Subscribe(ids ...string) {
	add := ParseInterest(ids, nil)
	in.AllManga = in.AllManga || add.AllManga
	in.Manga = append(in.Manga, add.Manga...)
}

// Unsubscribe removes manga ids. The sentinel clears AllManga.
func (in *Interest) Unsubscribe(ids ...string) {
	rm := ParseInterest(ids, nil)
	if rm.AllManga {
		in.AllManga = false
	}
	in.Manga = slices.DeleteFunc(in.Manga, func(m string) bool { return slices.Contains(rm.Manga, m) })
}

func (in *Interest) Join(room string) {
	in.Rooms = append(in.Rooms, room)
}

func (in *Interest) Leave(room string) {
	in.Rooms = slices.DeleteFunc(in.Rooms, func(r string) bool { return r == room })
}

func (in Interest) InRoom(room string) bool { return slices.Contains(in.Rooms, room) }

// Wire renders the manga side back into the wire list form.
func (in Interest) Wire() []string {
	out := slices.Clone(in.Manga)
	if in.AllManga {
		out = append(out, AllMangaSentinel)
	}
	return out
}

func (in Interest) clone() Interest {
	return Interest{Manga: slices.Clone(in.Manga), AllManga: in.AllManga, Rooms: slices.Clone(in.Rooms)}
}

// normalize drops empty ids and duplicates and sorts both lists.
func (in Interest) normalize() Interest {
	return Interest{Manga: uniq(in.Manga), AllManga: in.AllManga, Rooms: uniq(in.Rooms)}
}

func uniq(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
