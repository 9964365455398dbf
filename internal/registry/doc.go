// Package registry tracks which connections and participants are in which
// room. A participant can span several connections (multiple tabs); a room is
// torn down when its last participant leaves, unless a retain defers that.
package registry
