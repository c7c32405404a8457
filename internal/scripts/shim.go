package scripts

// compatShim backfills host APIs that embedded pages expect. Each stand-in is
// installed only when the API is missing, so replaying it is harmless.
const compatShim = `(() => {
  const w = window;
  if (typeof w.Notification === 'undefined') {
    const N = function Notification(title, options) {
      this.title = title;
      this.body = (options && options.body) || '';
      this.onclick = null;
      this.close = function () {};
    };
    N.permission = 'granted';
    N.requestPermission = function (cb) {
      if (typeof cb === 'function') cb('granted');
      return Promise.resolve('granted');
    };
    w.Notification = N;
  }
  if (typeof w.requestIdleCallback === 'undefined') {
    w.requestIdleCallback = function (cb) {
      const start = Date.now();
      return setTimeout(function () {
        cb({ didTimeout: false, timeRemaining: function () { return Math.max(0, 50 - (Date.now() - start)); } });
      }, 1);
    };
    w.cancelIdleCallback = function (id) { clearTimeout(id); };
  }
  if (typeof w.__tabhostShim === 'undefined') {
    Object.defineProperty(w, '__tabhostShim', { value: 1, enumerable: false });
  }
  return true;
})()`
